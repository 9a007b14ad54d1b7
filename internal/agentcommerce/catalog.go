package agentcommerce

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mudflat/studio/control-plane/internal/apperr"
	"github.com/mudflat/studio/control-plane/internal/docstore"
	"github.com/mudflat/studio/control-plane/internal/identity"
	"github.com/mudflat/studio/control-plane/pkg/models"
)

// defaultServices is the studio's purchasable service catalog. Prices are
// cents; risk level drives the manual-review flag on quotes.
var defaultServices = []models.CatalogService{
	{ServiceID: "firing-half-shelf", Name: "Half-shelf firing", Category: "firing", UnitPriceCents: 1_800, Currency: "usd", RiskLevel: models.RiskLow, PriceID: "price_firing_half", MaxQuantity: 16},
	{ServiceID: "firing-full-shelf", Name: "Full-shelf firing", Category: "firing", UnitPriceCents: 3_200, Currency: "usd", RiskLevel: models.RiskLow, PriceID: "price_firing_full", MaxQuantity: 8},
	{ServiceID: "firing-whole-kiln", Name: "Whole-kiln firing", Category: "firing", UnitPriceCents: 22_000, Currency: "usd", RiskLevel: models.RiskMedium, PriceID: "price_whole_kiln", MaxQuantity: 1},
	{ServiceID: "glaze-consult", Name: "Glaze consultation", Category: "consult", UnitPriceCents: 6_500, Currency: "usd", RiskLevel: models.RiskLow, PriceID: "price_glaze_consult", MaxQuantity: 4},
	{ServiceID: "commission-custom", Name: "Custom commission", Category: "commission", UnitPriceCents: 45_000, Currency: "usd", RiskLevel: models.RiskHigh, MaxQuantity: 2},
	{ServiceID: "x1c-print", Name: "X1C print job", Category: "print", UnitPriceCents: 2_400, Currency: "usd", RiskLevel: models.RiskMedium, PriceID: "price_x1c_print", MaxQuantity: 20},
}

// Catalog is a read-through service catalog with a short TTL. The backing
// list is static in-process today; the cache shape matches the other
// process-wide config caches so a store-backed catalog can slot in later.
type Catalog struct {
	ttl time.Duration

	mu        sync.RWMutex
	services  []models.CatalogService
	expiresAt time.Time
}

// NewCatalog creates a catalog cache; ttl <= 0 uses 60s.
func NewCatalog(ttl time.Duration) *Catalog {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &Catalog{ttl: ttl}
}

// Services returns the current catalog, refreshing on TTL expiry.
func (c *Catalog) Services() []models.CatalogService {
	c.mu.RLock()
	if time.Now().Before(c.expiresAt) && c.services != nil {
		out := c.services
		c.mu.RUnlock()
		return out
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().Before(c.expiresAt) && c.services != nil {
		return c.services
	}
	refreshed := make([]models.CatalogService, len(defaultServices))
	copy(refreshed, defaultServices)
	c.services = refreshed
	c.expiresAt = time.Now().Add(c.ttl)
	return c.services
}

// Lookup finds one service by id.
func (c *Catalog) Lookup(serviceID string) (models.CatalogService, bool) {
	for _, s := range c.Services() {
		if s.ServiceID == serviceID {
			return s, true
		}
	}
	return models.CatalogService{}, false
}

// ListCatalog returns the purchasable services.
func (e *Engine) ListCatalog(ctx context.Context, actor *identity.Actor) ([]models.CatalogService, error) {
	if actor.UID == "" {
		return nil, apperr.Unauthenticated("UNAUTHENTICATED", "no verified identity")
	}
	return e.catalog.Services(), nil
}

// RevenueBucket is one (day, category) aggregate of paid orders.
type RevenueBucket struct {
	Day         string `json:"day"` // UTC yyyy-mm-dd
	Category    string `json:"category"`
	OrderCount  int    `json:"orderCount"`
	AmountCents int64  `json:"amountCents"`
}

// RevenueSummary aggregates paid orders by day and category. Staff only.
func (e *Engine) RevenueSummary(ctx context.Context, actor *identity.Actor) ([]RevenueBucket, error) {
	if !actor.Staff {
		return nil, apperr.Forbidden("STAFF_ONLY", "revenue summary is staff-only")
	}

	buckets := map[string]*RevenueBucket{}
	err := e.store.List(ctx, docstore.ColAgentOrders, func(_ string, raw []byte) error {
		var o models.Order
		if err := json.Unmarshal(raw, &o); err != nil {
			return err
		}
		if o.Status != models.OrderPaid {
			return nil
		}
		day := o.CreatedAt.UTC().Format("2006-01-02")
		key := day + "/" + o.Category
		b, ok := buckets[key]
		if !ok {
			b = &RevenueBucket{Day: day, Category: o.Category}
			buckets[key] = b
		}
		b.OrderCount++
		b.AmountCents += o.AmountCents
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]RevenueBucket, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Day != out[j].Day {
			return out[i].Day > out[j].Day
		}
		return out[i].Category < out[j].Category
	})
	return out, nil
}
