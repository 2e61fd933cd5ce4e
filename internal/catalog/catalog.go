// Package catalog searches items and lets sellers list new ones
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/example/ec-storefront/internal/gateway"
	"github.com/example/ec-storefront/internal/model"
	"github.com/rs/zerolog"
)

const (
	searchPath       = "/api/item-search/"
	autocompletePath = "/api/item-details/autocomplete/"
	productsPath     = "/api/products/"
	servicesPath     = "/api/services/"
	healthPath       = "/api/health/"

	DefaultCurrency = "USD"
)

var ErrMissingName = errors.New("name is required")

// API is the gateway surface the catalog uses
type API interface {
	Do(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

// Image is an optional upload attached to a listing
type Image struct {
	Filename string
	Content  io.Reader
}

// ItemForm holds the fields products and services share
type ItemForm struct {
	Name        string
	Description string
	PriceCents  int64
	Currency    string
	Image       *Image
}

// ProductForm lists a physical product
type ProductForm struct {
	ItemForm
	Quantity int
}

// ServiceForm lists a service; duration is in minutes
type ServiceForm struct {
	ItemForm
	DurationMinutes int
	ServiceType     string
}

// Service is safe for concurrent use; it keeps no state
type Service struct {
	api    API
	logger zerolog.Logger
}

func New(api API, logger zerolog.Logger) *Service {
	return &Service{api: api, logger: logger.With().Str("component", "catalog").Logger()}
}

// Search returns products and services matching query
func (s *Service) Search(ctx context.Context, query string) ([]model.Item, error) {
	resp, err := s.api.Do(ctx, gateway.Request{
		Method:    http.MethodGet,
		Path:      searchPath,
		Query:     url.Values{"search": {query}},
		Anonymous: true,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: search: %w", err)
	}
	items, _, err := model.DecodeList[model.Item](resp.Body)
	if err != nil {
		return nil, fmt.Errorf("catalog: search: decode: %w", err)
	}
	return items, nil
}

// Autocomplete suggests item names. Blank input makes no request.
func (s *Service) Autocomplete(ctx context.Context, partial string) ([]string, error) {
	partial = strings.TrimSpace(partial)
	if partial == "" {
		return nil, nil
	}
	resp, err := s.api.Do(ctx, gateway.Request{
		Method:    http.MethodGet,
		Path:      autocompletePath,
		Query:     url.Values{"q": {partial}},
		Anonymous: true,
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: autocomplete: %w", err)
	}
	var suggestions []string
	if err := resp.Decode(&suggestions); err != nil {
		return nil, fmt.Errorf("catalog: autocomplete: %w", err)
	}
	return suggestions, nil
}

// CreateProduct lists a product as the signed-in seller
func (s *Service) CreateProduct(ctx context.Context, form ProductForm) (model.Item, error) {
	fields := form.fields()
	fields = append(fields, [2]string{"quantity", strconv.Itoa(form.Quantity)})
	return s.create(ctx, productsPath, form.ItemForm, fields)
}

// CreateService lists a service as the signed-in seller
func (s *Service) CreateService(ctx context.Context, form ServiceForm) (model.Item, error) {
	fields := form.fields()
	fields = append(fields,
		[2]string{"service_duration", strconv.Itoa(form.DurationMinutes)},
		[2]string{"service_type", form.ServiceType},
	)
	return s.create(ctx, servicesPath, form.ItemForm, fields)
}

// Health reports whether the API answers its health check
func (s *Service) Health(ctx context.Context) error {
	if _, err := s.api.Do(ctx, gateway.Request{Method: http.MethodGet, Path: healthPath, Anonymous: true}); err != nil {
		return fmt.Errorf("catalog: health: %w", err)
	}
	return nil
}

func (s *Service) create(ctx context.Context, path string, form ItemForm, fields [][2]string) (model.Item, error) {
	if strings.TrimSpace(form.Name) == "" {
		return model.Item{}, ErrMissingName
	}

	body, contentType, err := encodeForm(fields, form.Image)
	if err != nil {
		return model.Item{}, fmt.Errorf("catalog: encode form: %w", err)
	}
	resp, err := s.api.Do(ctx, gateway.Request{
		Method:           http.MethodPost,
		Path:             path,
		Body:             body,
		ContentType:      contentType,
		InlineValidation: true,
	})
	if err != nil {
		return model.Item{}, fmt.Errorf("catalog: create %s: %w", strings.Trim(path, "/"), err)
	}

	var item model.Item
	if err := resp.Decode(&item); err != nil {
		return model.Item{}, fmt.Errorf("catalog: create: %w", err)
	}
	s.logger.Info().Int64("item_id", item.ID).Str("name", item.Name).Msg("item listed")
	return item, nil
}

func (f ItemForm) fields() [][2]string {
	currency := f.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	return [][2]string{
		{"name", f.Name},
		{"description", f.Description},
		{"price_cents", strconv.FormatInt(f.PriceCents, 10)},
		{"currency", currency},
	}
}

func encodeForm(fields [][2]string, image *Image) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if image != nil && image.Content != nil {
		part, err := w.CreateFormFile("image", image.Filename)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, image.Content); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
