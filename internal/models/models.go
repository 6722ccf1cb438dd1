package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UseNumericAmounts makes decimal amounts encode as JSON numbers, the shape
// dashboards read. It flips a process-wide setting, so call it once at
// startup before anything is encoded.
func UseNumericAmounts() {
	decimal.MarshalJSONWithoutQuotes = true
}

// Role of an authenticated user
type Role string

const (
	RoleFarmer       Role = "farmer"
	RoleOrganization Role = "organization"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	return r == RoleFarmer || r == RoleOrganization
}

// DashboardPath returns the landing page a role is redirected to after sign-in
func DashboardPath(r Role) string {
	switch r {
	case RoleFarmer:
		return "/farmer/dashboard"
	case RoleOrganization:
		return "/organization/dashboard"
	default:
		return "/"
	}
}

// Party identifies one side of an order: the selling farmer or the buying organization
type Party struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Identity is what the authentication layer yields for a request
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        Role   `json:"role"`
}

// Party returns the identity as an order party
func (i Identity) Party() Party {
	return Party{ID: i.UserID, Name: i.DisplayName}
}

// OrderSource records which call site created an order
type OrderSource string

const (
	OrderSourceRequest OrderSource = "request"
	OrderSourceBulk    OrderSource = "bulk"
)

// Order is one product line exchanged between a buyer organization and a
// selling farmer. The same record is stored under both parties' namespaces.
type Order struct {
	ID               string          `json:"id"`
	ProductID        string          `json:"productId"`
	ProductName      string          `json:"productName"`
	Quantity         int             `json:"quantity"`
	PricePerUnit     decimal.Decimal `json:"pricePerUnit"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	Unit             string          `json:"unit"`
	OrganizationID   string          `json:"organizationId"`
	OrganizationName string          `json:"organizationName"`
	FarmerID         string          `json:"farmerId"`
	FarmerName       string          `json:"farmerName"`
	Status           OrderStatus     `json:"status"`
	Source           OrderSource     `json:"source"`
	RequestDate      time.Time       `json:"requestDate"`
	DeliveryDate     *time.Time      `json:"deliveryDate,omitempty"`
	Notes            string          `json:"notes"`
	MirrorPending    bool            `json:"mirrorPending"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Product categories
const (
	CategoryFruits     = "Fruits"
	CategoryVegetables = "Vegetables"
	CategoryGrains     = "Grains"
	CategoryDairy      = "Dairy"
	CategoryOther      = "Other"
)

var validCategories = map[string]struct{}{
	CategoryFruits:     {},
	CategoryVegetables: {},
	CategoryGrains:     {},
	CategoryDairy:      {},
	CategoryOther:      {},
}

// ValidCategory reports whether c is one of the catalog categories
func ValidCategory(c string) bool {
	_, ok := validCategories[c]
	return ok
}

// Product is a sellable line owned by the farmer that created it
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Category    string          `json:"category"`
	Price       decimal.Decimal `json:"price"`
	Unit        string          `json:"unit"`
	Image       string          `json:"image,omitempty"`
	Stock       int             `json:"stock"`
	Description string          `json:"description"`
	FarmerID    string          `json:"farmerId"`
	FarmerName  string          `json:"farmerName"`
	IsActive    bool            `json:"isActive"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// User is a registered account
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Profile is the per-role profile record kept under the party namespace
type Profile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// MirrorPendingEntry indexes an order whose buyer copy still has to be repaired
type MirrorPendingEntry struct {
	OrderID   string    `json:"orderId"`
	SellerID  string    `json:"sellerId"`
	BuyerID   string    `json:"buyerId"`
	Reason    string    `json:"reason"`
	FlaggedAt time.Time `json:"flaggedAt"`
}
