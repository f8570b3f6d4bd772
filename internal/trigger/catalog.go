package trigger

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/greentrail/nudge-engine/internal/model"
)

const (
	CategoryShopping = "shopping"
	CategoryTravel   = "travel"
	CategoryFood     = "food"
)

var (
	shoppingDomains = []string{"amazon.", "ebay.", "walmart.", "target.com", "bestbuy.", "etsy.", "aliexpress.", "zalando.", "asos.", "shein.", "temu.", "ikea.", "wayfair."}
	travelDomains   = []string{"expedia.", "kayak.", "skyscanner.", "booking.com", "momondo.", "ryanair.", "easyjet.", "united.com", "delta.com", "aa.com", "lufthansa.", "google.com/travel", "airbnb."}
	foodDomains     = []string{"ubereats.", "doordash.", "grubhub.", "deliveroo.", "just-eat.", "postmates.", "seamless.", "wolt."}

	flightKeywords    = []string{"flight", "flights", "airfare", "plane ticket", "round trip"}
	highValueKeywords = []string{"laptop", "macbook", "iphone", "smartphone", "television", "tv", "refrigerator", "fridge", "washing machine", "sofa", "camera", "console", "e-bike", "ebike"}

	productIDPatterns = []*regexp.Regexp{
		regexp.MustCompile(`/dp/([A-Z0-9]{10})`),
		regexp.MustCompile(`/itm/(?:[^/]+/)?(\d+)`),
		regexp.MustCompile(`/ip/(?:[^/]+/)?(\d+)`),
		regexp.MustCompile(`/product/([^/?#]+)`),
		regexp.MustCompile(`/p/([^/?#]+)`),
	}
)

// Classify returns the site category of a URL, or "".
func Classify(rawURL string) string {
	u := strings.ToLower(rawURL)
	if parsed, err := url.Parse(rawURL); err == nil && parsed.Host != "" {
		u = strings.ToLower(parsed.Host + parsed.Path)
	}
	switch {
	case containsAny(u, travelDomains):
		return CategoryTravel
	case containsAny(u, foodDomains):
		return CategoryFood
	case containsAny(u, shoppingDomains):
		return CategoryShopping
	}
	return ""
}

// ProductID extracts a product identifier from a product page URL.
func ProductID(rawURL string) string {
	for _, re := range productIDPatterns {
		if m := re.FindStringSubmatch(rawURL); len(m) == 2 {
			return m[1]
		}
	}
	return ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// containsWord matches keywords on word boundaries so "tv" does not hit "ntvd".
func containsWord(s string, keywords []string) (string, bool) {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	})
	joined := " " + strings.Join(fields, " ") + " "
	for _, k := range keywords {
		if strings.Contains(joined, " "+k+" ") {
			return k, true
		}
	}
	return "", false
}

// Definition is one predictive trigger. Match reports whether the session
// satisfies it and how many relevant sites were involved.
type Definition struct {
	ID               string
	Action           string
	Category         string
	BaseConfidence   float64
	ExpectedDuration time.Duration
	Intervention     model.NudgeType
	Match            func(s *Session, now time.Time) (matched bool, relevantSites int)
}

// DefaultCatalog returns the built-in triggers.
func DefaultCatalog() []Definition {
	return []Definition{
		{
			ID:               "multiple_shopping_sites",
			Action:           "comparison_shopping",
			Category:         CategoryShopping,
			BaseConfidence:   0.8,
			ExpectedDuration: 20 * time.Minute,
			Intervention:     model.NudgeDelayPurchase,
			Match: func(s *Session, _ time.Time) (bool, int) {
				n := len(s.distinctDomains(CategoryShopping))
				return n >= 2, n
			},
		},
		{
			ID:               "flight_search",
			Action:           "book_flight",
			Category:         CategoryTravel,
			BaseConfidence:   0.9,
			ExpectedDuration: 30 * time.Minute,
			Intervention:     model.NudgeTravelSwap,
			Match: func(s *Session, _ time.Time) (bool, int) {
				n := len(s.distinctDomains(CategoryTravel))
				if n > 0 {
					return true, n
				}
				for _, q := range s.Queries {
					if _, ok := containsWord(q.Text, flightKeywords); ok {
						return true, n
					}
				}
				return false, 0
			},
		},
		{
			ID:               "food_delivery",
			Action:           "order_food",
			Category:         CategoryFood,
			BaseConfidence:   0.7,
			ExpectedDuration: 10 * time.Minute,
			Intervention:     model.NudgeGreenAlternative,
			Match: func(s *Session, _ time.Time) (bool, int) {
				n := len(s.distinctDomains(CategoryFood))
				return n > 0, n
			},
		},
		{
			ID:               "high_value_shopping",
			Action:           "large_purchase",
			Category:         CategoryShopping,
			BaseConfidence:   0.85,
			ExpectedDuration: 30 * time.Minute,
			Intervention:     model.NudgeDelayPurchase,
			Match: func(s *Session, now time.Time) (bool, int) {
				n := 0
				for _, v := range s.Visits {
					if now.Sub(v.Time) > 30*time.Minute {
						continue
					}
					if _, ok := containsWord(v.Title+" "+v.Domain, highValueKeywords); ok {
						n++
					}
				}
				return n > 0, n
			},
		},
		{
			ID:               "repeated_product_views",
			Action:           "purchase",
			Category:         CategoryShopping,
			BaseConfidence:   0.75,
			ExpectedDuration: 15 * time.Minute,
			Intervention:     model.NudgeGreenAlternative,
			Match: func(s *Session, _ time.Time) (bool, int) {
				ids := make(map[string]struct{})
				for _, v := range s.Visits {
					if v.ProductID != "" {
						ids[v.ProductID] = struct{}{}
					}
				}
				return len(ids) >= 2, len(ids)
			},
		},
	}
}
