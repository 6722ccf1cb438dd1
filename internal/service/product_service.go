package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"farm-marketplace/internal/docstore"
	"farm-marketplace/internal/models"
	"farm-marketplace/internal/util"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ProductService manages the flat product catalog at products/{id}. Stock is
// maintained by the owning farmer; placing orders never changes it.
type ProductService struct {
	store  docstore.Store
	logger *zap.Logger
}

func NewProductService(store docstore.Store) *ProductService {
	return &ProductService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// CreateProductRequest represents a new catalog listing
type CreateProductRequest struct {
	Name        string          `json:"name" binding:"required"`
	Category    string          `json:"category" binding:"required"`
	Price       decimal.Decimal `json:"price"`
	Unit        string          `json:"unit" binding:"required"`
	Stock       int             `json:"stock"`
	Description string          `json:"description"`
	Image       string          `json:"image,omitempty"`
}

// UpdateProductRequest carries the fields to change; nil fields are kept
type UpdateProductRequest struct {
	Name        *string          `json:"name,omitempty"`
	Category    *string          `json:"category,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Unit        *string          `json:"unit,omitempty"`
	Stock       *int             `json:"stock,omitempty"`
	Description *string          `json:"description,omitempty"`
	Image       *string          `json:"image,omitempty"`
	IsActive    *bool            `json:"isActive,omitempty"`
}

// ProductFilter selects catalog entries; zero values match everything
type ProductFilter struct {
	ActiveOnly bool
	FarmerID   string
	Category   string
}

func validateProduct(name, category, unit string, price decimal.Decimal, stock int) error {
	if strings.TrimSpace(name) == "" {
		return validationError("name is required")
	}
	if !models.ValidCategory(category) {
		return validationError("unknown category %q", category)
	}
	if strings.TrimSpace(unit) == "" {
		return validationError("unit is required")
	}
	if price.IsNegative() {
		return validationError("price must not be negative")
	}
	if stock < 0 {
		return validationError("stock must not be negative")
	}
	return nil
}

// Create lists a new active product owned by farmer
func (s *ProductService) Create(ctx context.Context, farmer models.Party, req *CreateProductRequest) (_ *models.Product, err error) {
	ctx, span := util.StartSpan(ctx, "ProductService.Create")
	defer func() { util.EndSpan(span, err) }()

	if strings.TrimSpace(farmer.ID) == "" {
		return nil, ErrUnauthenticated
	}
	if err := validateProduct(req.Name, req.Category, req.Unit, req.Price, req.Stock); err != nil {
		return nil, err
	}

	id, err := s.store.Create(ctx, models.ProductsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate product id: %w", err)
	}

	now := timeNow()
	product := &models.Product{
		ID:          id,
		Name:        strings.TrimSpace(req.Name),
		Category:    req.Category,
		Price:       req.Price,
		Unit:        strings.TrimSpace(req.Unit),
		Image:       req.Image,
		Stock:       req.Stock,
		Description: req.Description,
		FarmerID:    farmer.ID,
		FarmerName:  farmer.Name,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Write(ctx, models.ProductPath(id), product); err != nil {
		return nil, fmt.Errorf("failed to write product: %w", err)
	}

	util.ProductsCreatedTotal.Inc()
	s.logger.Info("Product created",
		zap.String("product_id", id),
		zap.String("farmer_id", farmer.ID),
		zap.String("category", product.Category))
	return product, nil
}

// Get retrieves a product by ID
func (s *ProductService) Get(ctx context.Context, id string) (*models.Product, error) {
	var p models.Product
	if err := s.store.Get(ctx, models.ProductPath(id), &p); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &p, nil
}

// List returns catalog entries matching filter, newest first. The most
// selective filter is pushed down to the store as an equality query.
func (s *ProductService) List(ctx context.Context, filter ProductFilter) (_ []models.Product, err error) {
	ctx, span := util.StartSpan(ctx, "ProductService.List")
	defer func() { util.EndSpan(span, err) }()

	var snap docstore.Snapshot
	switch {
	case filter.FarmerID != "":
		snap, err = s.store.Query(ctx, models.ProductsPath, "farmerId", filter.FarmerID)
	case filter.Category != "":
		snap, err = s.store.Query(ctx, models.ProductsPath, "category", filter.Category)
	case filter.ActiveOnly:
		snap, err = s.store.Query(ctx, models.ProductsPath, "isActive", true)
	default:
		snap, err = s.store.List(ctx, models.ProductsPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	products := make([]models.Product, 0, len(snap))
	for key := range snap {
		var p models.Product
		if err := snap.Decode(key, &p); err != nil {
			s.logger.Warn("Skipping malformed product", zap.String("key", key), zap.Error(err))
			continue
		}
		products = append(products, p)
	}

	products = lo.Filter(products, func(p models.Product, _ int) bool {
		return (!filter.ActiveOnly || p.IsActive) &&
			(filter.FarmerID == "" || p.FarmerID == filter.FarmerID) &&
			(filter.Category == "" || p.Category == filter.Category)
	})
	sort.Slice(products, func(i, j int) bool {
		if !products[i].CreatedAt.Equal(products[j].CreatedAt) {
			return products[i].CreatedAt.After(products[j].CreatedAt)
		}
		return products[i].ID > products[j].ID
	})
	return products, nil
}

// ListByCategory returns the active products of one category
func (s *ProductService) ListByCategory(ctx context.Context, category string) ([]models.Product, error) {
	if !models.ValidCategory(category) {
		return nil, validationError("unknown category %q", category)
	}
	return s.List(ctx, ProductFilter{Category: category, ActiveOnly: true})
}

// ListByFarmer returns every product of one farmer, inactive ones included
func (s *ProductService) ListByFarmer(ctx context.Context, farmerID string) ([]models.Product, error) {
	return s.List(ctx, ProductFilter{FarmerID: farmerID})
}

func (s *ProductService) owned(ctx context.Context, farmer models.Party, id string) (*models.Product, error) {
	if strings.TrimSpace(farmer.ID) == "" {
		return nil, ErrUnauthenticated
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.FarmerID != farmer.ID {
		return nil, ErrForbidden
	}
	return p, nil
}

// Update changes the given fields of a product owned by farmer
func (s *ProductService) Update(ctx context.Context, farmer models.Party, id string, req *UpdateProductRequest) (_ *models.Product, err error) {
	ctx, span := util.StartSpan(ctx, "ProductService.Update")
	defer func() { util.EndSpan(span, err) }()

	p, err := s.owned(ctx, farmer, id)
	if err != nil {
		return nil, err
	}

	fields := make(map[string]any)
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
		fields["name"] = p.Name
	}
	if req.Category != nil {
		p.Category = *req.Category
		fields["category"] = p.Category
	}
	if req.Price != nil {
		p.Price = *req.Price
		fields["price"] = p.Price
	}
	if req.Unit != nil {
		p.Unit = strings.TrimSpace(*req.Unit)
		fields["unit"] = p.Unit
	}
	if req.Stock != nil {
		p.Stock = *req.Stock
		fields["stock"] = p.Stock
	}
	if req.Description != nil {
		p.Description = *req.Description
		fields["description"] = p.Description
	}
	if req.Image != nil {
		p.Image = *req.Image
		fields["image"] = p.Image
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
		fields["isActive"] = p.IsActive
	}
	if len(fields) == 0 {
		return nil, validationError("no fields to update")
	}
	if err := validateProduct(p.Name, p.Category, p.Unit, p.Price, p.Stock); err != nil {
		return nil, err
	}

	p.UpdatedAt = timeNow()
	fields["updatedAt"] = p.UpdatedAt
	if err := s.store.Update(ctx, models.ProductPath(id), fields); err != nil {
		return nil, fmt.Errorf("failed to update product: %w", err)
	}
	return p, nil
}

// UpdateStock sets the available quantity of a product owned by farmer
func (s *ProductService) UpdateStock(ctx context.Context, farmer models.Party, id string, stock int) (*models.Product, error) {
	return s.Update(ctx, farmer, id, &UpdateProductRequest{Stock: &stock})
}

// Delete hides a product from the catalog, or removes it when hard is set
func (s *ProductService) Delete(ctx context.Context, farmer models.Party, id string, hard bool) (err error) {
	ctx, span := util.StartSpan(ctx, "ProductService.Delete")
	defer func() { util.EndSpan(span, err) }()

	if _, err := s.owned(ctx, farmer, id); err != nil {
		return err
	}

	if hard {
		if err := s.store.Remove(ctx, models.ProductPath(id)); err != nil {
			return fmt.Errorf("failed to remove product: %w", err)
		}
		s.logger.Info("Product removed", zap.String("product_id", id))
		return nil
	}

	fields := map[string]any{"isActive": false, "updatedAt": timeNow()}
	if err := s.store.Update(ctx, models.ProductPath(id), fields); err != nil {
		return fmt.Errorf("failed to deactivate product: %w", err)
	}
	s.logger.Info("Product deactivated", zap.String("product_id", id))
	return nil
}
