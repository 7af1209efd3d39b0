package venue

import (
	"fmt"
	"math"

	"github.com/coralclub/tents/internal/state"
)

// QuoteLine is one priced item of a cart.
type QuoteLine struct {
	Label string
	Price float64
}

// Quote is the cart total for one tent plus extras. TotalVES is zero when no conversion rate is
// configured.
type Quote struct {
	Currency string
	Lines    []QuoteLine
	Total    float64
	Rate     float64
	TotalVES float64
}

// Quote prices tentID and the extras named by extraIDs against the current catalog.
func (v *Venue) Quote(tentID int, extraIDs []string) (Quote, error) {
	current, err := v.engine.State()
	if err != nil {
		return Quote{}, err
	}
	index := state.FindTent(current.Tents, tentID)
	if index < 0 {
		return Quote{}, fmt.Errorf("%w: %d", ErrUnknownTent, tentID)
	}

	quote := Quote{Currency: current.Payments.Currency}
	if quote.Currency == "" {
		quote.Currency = "USD"
	}
	quote.Lines = append(quote.Lines, QuoteLine{
		Label: fmt.Sprintf("Tent #%d", tentID),
		Price: current.Tents[index].Price,
	})

	catalog := make(map[string]QuoteLine)
	for _, category := range current.Categories {
		for _, item := range category.Items {
			catalog[item.ID] = QuoteLine{Label: item.Name, Price: item.Price}
		}
	}
	for _, id := range extraIDs {
		line, ok := catalog[id]
		if !ok {
			return Quote{}, fmt.Errorf("%w: %s", ErrUnknownExtra, id)
		}
		quote.Lines = append(quote.Lines, line)
	}

	for _, line := range quote.Lines {
		quote.Total += line.Price
	}
	quote.Total = roundCents(quote.Total)
	if rate := current.Payments.USDToVES; rate > 0 {
		quote.Rate = rate
		quote.TotalVES = roundCents(quote.Total * rate)
	}
	return quote, nil
}

func roundCents(value float64) float64 {
	return math.Round(value*100) / 100
}
