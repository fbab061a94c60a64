package payment

// Bounds keep the item total within int64: maxItems * maxUnitPrice * maxUnits
// is below math.MaxInt64.
const (
	maxItems     = 500
	maxUnitPrice = 1_000_000_000
	maxUnits     = 1_000_000
)

// Item is a single order line. Prices are integer minor units.
type Item struct {
	UnitPrice     int64  `json:"unitPrice" validate:"gte=0,lte=1000000000"`
	Units         int64  `json:"units" validate:"gt=0,lte=1000000"`
	VatPercentage int    `json:"vatPercentage" validate:"gte=0,lte=100"`
	ProductCode   string `json:"productCode" validate:"required,max=100"`
	Description   string `json:"description,omitempty" validate:"max=1000"`
	Category      string `json:"category,omitempty" validate:"max=100"`
}

// Customer identifies the shopper to the gateway.
type Customer struct {
	Email     string `json:"email" validate:"required,email,max=200"`
	FirstName string `json:"firstName,omitempty" validate:"max=50"`
	LastName  string `json:"lastName,omitempty" validate:"max=50"`
	Phone     string `json:"phone,omitempty" validate:"omitempty,e164"`
}

// Order is what the merchant wants to charge. Currency and Language fall back
// to the configured defaults when empty.
type Order struct {
	Reference string   `json:"reference" validate:"required,max=200"`
	Amount    int64    `json:"amount" validate:"gt=0"`
	Currency  string   `json:"currency,omitempty" validate:"omitempty,len=3,uppercase"`
	Language  string   `json:"language,omitempty" validate:"omitempty,oneof=FI SV EN"`
	Items     []Item   `json:"items" validate:"required,min=1,max=500,dive"`
	Customer  Customer `json:"customer"`
}

// URLPair holds the success and cancel targets of one return channel.
type URLPair struct {
	Success string `json:"success" validate:"required,url"`
	Cancel  string `json:"cancel" validate:"required,url"`
}

// ReturnURLs are the browser redirect targets and the server callback targets
// handed to the gateway.
type ReturnURLs struct {
	Redirect URLPair
	Callback URLPair
}

// DefaultOrder is the demo checkout served by the create action.
func DefaultOrder(reference string) Order {
	return Order{
		Reference: reference,
		Amount:    1590,
		Items: []Item{{
			UnitPrice:     1590,
			Units:         1,
			VatPercentage: 24,
			ProductCode:   "SKU-001",
			Description:   "Test product",
			Category:      "General",
		}},
		Customer: Customer{
			Email:     "test@example.com",
			FirstName: "Test",
			LastName:  "User",
			Phone:     "+358501234567",
		},
	}
}

func (o Order) itemsTotal() int64 {
	var total int64
	for _, it := range o.Items {
		total += it.UnitPrice * it.Units
	}
	return total
}
