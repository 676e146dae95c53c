package quota

// CreditPackage is a purchasable credit bundle. Payment capture happens
// upstream (Stripe); the ledger only records the post-success credit.
type CreditPackage struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Credits       int    `json:"credits"`
	Bonus         int    `json:"bonus"`
	PriceCents    int64  `json:"priceCents"`
	StripePriceID string `json:"stripePriceId,omitempty"`
}

// TotalCredits is the amount actually credited to the ledger.
func (p CreditPackage) TotalCredits() int {
	return p.Credits + p.Bonus
}

// packages is the hardcoded package catalogue.
var packages = []CreditPackage{
	{ID: "pkg_starter", Name: "Starter", Credits: 100, Bonus: 0, PriceCents: 900, StripePriceID: "price_starter_100"},
	{ID: "pkg_growth", Name: "Growth", Credits: 500, Bonus: 50, PriceCents: 3900, StripePriceID: "price_growth_500"},
	{ID: "pkg_scale", Name: "Scale", Credits: 1000, Bonus: 150, PriceCents: 6900, StripePriceID: "price_scale_1000"},
	{ID: "pkg_volume", Name: "Volume", Credits: 5000, Bonus: 1000, PriceCents: 29900, StripePriceID: "price_volume_5000"},
}

// Packages returns the package catalogue.
func Packages() []CreditPackage {
	out := make([]CreditPackage, len(packages))
	copy(out, packages)
	return out
}

// PackageByID looks up a package.
func PackageByID(id string) (CreditPackage, error) {
	for _, p := range packages {
		if p.ID == id {
			return p, nil
		}
	}
	return CreditPackage{}, ErrPackageNotFound
}
