package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts catalog persistence.
type RepositoryPort interface {
	InsertProduct(ctx context.Context, p Product) (Product, error)
	UpdateProduct(ctx context.Context, p Product) (Product, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	GetProductBySKU(ctx context.Context, sku string) (Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)

	InsertVariant(ctx context.Context, v Variant) (Variant, error)
	ListVariants(ctx context.Context, productID int64) ([]Variant, error)

	InsertLocation(ctx context.Context, l Location) (Location, error)
	GetLocation(ctx context.Context, id int64) (Location, error)
	ListLocations(ctx context.Context) ([]Location, error)

	InsertSupplier(ctx context.Context, s Supplier) (Supplier, error)
	GetSupplier(ctx context.Context, id int64) (Supplier, error)
	ListSuppliers(ctx context.Context) ([]Supplier, error)

	InsertCustomer(ctx context.Context, c Customer) (Customer, error)
	GetCustomer(ctx context.Context, id int64) (Customer, error)
	ListCustomers(ctx context.Context) ([]Customer, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns catalog reference data used by every document flow.
type Service struct {
	repo  RepositoryPort
	audit AuditPort
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort) *Service {
	return &Service{repo: repo, audit: audit}
}

// CreateProduct registers a product. SKU is normalised to upper case and
// must be unique.
func (s *Service) CreateProduct(ctx context.Context, p Product) (Product, error) {
	p.SKU = strings.ToUpper(strings.TrimSpace(p.SKU))
	p.Name = strings.TrimSpace(p.Name)
	if p.SKU == "" || p.Name == "" {
		return Product{}, fmt.Errorf("%w: sku and name required", shared.ErrValidation)
	}
	if p.Price.IsNegative() {
		return Product{}, fmt.Errorf("%w: price must be >= 0", shared.ErrValidation)
	}
	p.Active = true
	created, err := s.repo.InsertProduct(ctx, p)
	if err != nil {
		if errors.Is(err, shared.ErrDuplicate) {
			return Product{}, fmt.Errorf("%w: %s", ErrDuplicateSKU, p.SKU)
		}
		return Product{}, err
	}
	s.record(ctx, "catalog:product_create", "product", created.ID, created.SKU)
	return created, nil
}

// UpdateProduct changes mutable product fields.
func (s *Service) UpdateProduct(ctx context.Context, p Product) (Product, error) {
	if p.ID == 0 {
		return Product{}, fmt.Errorf("%w: product id required", shared.ErrValidation)
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return Product{}, fmt.Errorf("%w: name required", shared.ErrValidation)
	}
	if p.Price.IsNegative() {
		return Product{}, fmt.Errorf("%w: price must be >= 0", shared.ErrValidation)
	}
	updated, err := s.repo.UpdateProduct(ctx, p)
	if err != nil {
		return Product{}, err
	}
	s.record(ctx, "catalog:product_update", "product", updated.ID, updated.SKU)
	return updated, nil
}

// GetProduct fetches one product.
func (s *Service) GetProduct(ctx context.Context, id int64) (Product, error) {
	return s.repo.GetProduct(ctx, id)
}

// GetProductBySKU fetches a product by its normalised SKU.
func (s *Service) GetProductBySKU(ctx context.Context, sku string) (Product, error) {
	return s.repo.GetProductBySKU(ctx, strings.ToUpper(strings.TrimSpace(sku)))
}

// ListProducts lists products matching the filter.
func (s *Service) ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error) {
	return s.repo.ListProducts(ctx, filter)
}

// CreateVariant adds a variant dimension to a product.
func (s *Service) CreateVariant(ctx context.Context, v Variant) (Variant, error) {
	v.SKU = strings.ToUpper(strings.TrimSpace(v.SKU))
	v.Name = strings.TrimSpace(v.Name)
	if v.ProductID == 0 || v.Name == "" {
		return Variant{}, fmt.Errorf("%w: product id and name required", shared.ErrValidation)
	}
	if _, err := s.repo.GetProduct(ctx, v.ProductID); err != nil {
		return Variant{}, err
	}
	v.Active = true
	created, err := s.repo.InsertVariant(ctx, v)
	if err != nil {
		if errors.Is(err, shared.ErrDuplicate) {
			return Variant{}, fmt.Errorf("%w: %s", ErrDuplicateSKU, v.SKU)
		}
		return Variant{}, err
	}
	s.record(ctx, "catalog:variant_create", "variant", created.ID, created.Name)
	return created, nil
}

// ListVariants lists a product's variants.
func (s *Service) ListVariants(ctx context.Context, productID int64) ([]Variant, error) {
	return s.repo.ListVariants(ctx, productID)
}

// CreateLocation registers a stocking point.
func (s *Service) CreateLocation(ctx context.Context, l Location) (Location, error) {
	l.Name = strings.TrimSpace(l.Name)
	if l.Name == "" {
		return Location{}, fmt.Errorf("%w: name required", shared.ErrValidation)
	}
	l.Active = true
	created, err := s.repo.InsertLocation(ctx, l)
	if err != nil {
		return Location{}, err
	}
	s.record(ctx, "catalog:location_create", "location", created.ID, created.Name)
	return created, nil
}

// GetLocation fetches one location.
func (s *Service) GetLocation(ctx context.Context, id int64) (Location, error) {
	return s.repo.GetLocation(ctx, id)
}

// ListLocations lists all locations.
func (s *Service) ListLocations(ctx context.Context) ([]Location, error) {
	return s.repo.ListLocations(ctx)
}

// CreateSupplier registers a supplier.
func (s *Service) CreateSupplier(ctx context.Context, sup Supplier) (Supplier, error) {
	sup.Name = strings.TrimSpace(sup.Name)
	if sup.Name == "" {
		return Supplier{}, fmt.Errorf("%w: name required", shared.ErrValidation)
	}
	sup.Active = true
	created, err := s.repo.InsertSupplier(ctx, sup)
	if err != nil {
		return Supplier{}, err
	}
	s.record(ctx, "catalog:supplier_create", "supplier", created.ID, created.Name)
	return created, nil
}

// GetSupplier fetches one supplier.
func (s *Service) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	return s.repo.GetSupplier(ctx, id)
}

// ListSuppliers lists all suppliers.
func (s *Service) ListSuppliers(ctx context.Context) ([]Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

// CreateCustomer registers a customer.
func (s *Service) CreateCustomer(ctx context.Context, c Customer) (Customer, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return Customer{}, fmt.Errorf("%w: name required", shared.ErrValidation)
	}
	c.Active = true
	created, err := s.repo.InsertCustomer(ctx, c)
	if err != nil {
		return Customer{}, err
	}
	s.record(ctx, "catalog:customer_create", "customer", created.ID, created.Name)
	return created, nil
}

// GetCustomer fetches one customer.
func (s *Service) GetCustomer(ctx context.Context, id int64) (Customer, error) {
	return s.repo.GetCustomer(ctx, id)
}

// ListCustomers lists all customers.
func (s *Service) ListCustomers(ctx context.Context) ([]Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) record(ctx context.Context, action, entity string, id int64, label string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  shared.ActorFromContext(ctx),
		Action:   action,
		Entity:   entity,
		EntityID: fmt.Sprintf("%d", id),
		Meta:     map[string]any{"label": label},
	})
}
