package models

// Logical store paths shared by every component.
const (
	ProductsPath      = "products"
	UsersPath         = "users"
	MirrorPendingPath = "mirror_pending"
)

// SellerOrdersPath is the farmer's order collection
func SellerOrdersPath(sellerID string) string {
	return "sellers/" + sellerID + "/orders"
}

// SellerOrderPath is the seller-side copy of an order
func SellerOrderPath(sellerID, orderID string) string {
	return SellerOrdersPath(sellerID) + "/" + orderID
}

// BuyerOrdersPath is the organization's order collection
func BuyerOrdersPath(buyerID string) string {
	return "buyers/" + buyerID + "/orders"
}

// BuyerOrderPath is the buyer-side copy of an order, keyed by the seller-minted id
func BuyerOrderPath(buyerID, orderID string) string {
	return BuyerOrdersPath(buyerID) + "/" + orderID
}

// OrdersPathFor returns the order collection of an identity's own side
func OrdersPathFor(id Identity) string {
	if id.Role == RoleFarmer {
		return SellerOrdersPath(id.UserID)
	}
	return BuyerOrdersPath(id.UserID)
}

// ProfilePath is where a user's role profile lives
func ProfilePath(userID string, role Role) string {
	if role == RoleFarmer {
		return "sellers/" + userID + "/profile"
	}
	return "buyers/" + userID + "/profile"
}

func ProductPath(productID string) string {
	return ProductsPath + "/" + productID
}

func UserPath(userID string) string {
	return UsersPath + "/" + userID
}

func MirrorPendingEntryPath(orderID string) string {
	return MirrorPendingPath + "/" + orderID
}
