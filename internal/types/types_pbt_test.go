package types

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestPriceSetLookupProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("lookup is present iff price is positive", prop.ForAll(
		func(price float64) bool {
			ps := PriceSet{"A": {Price: price}}
			_, ok := ps.Lookup("A")
			return ok == (price > 0)
		},
		gen.Float64Range(-10, 10),
	))

	properties.Property("assets are sorted and complete", prop.ForAll(
		func(n int) bool {
			ps := PriceSet{}
			for i := 0; i < n; i++ {
				ps[fmt.Sprintf("ASSET%03d", n-i)] = PriceQuote{Price: 1}
			}
			assets := ps.Assets()
			if len(assets) != n {
				return false
			}
			for i := 1; i < len(assets); i++ {
				if assets[i-1] > assets[i] {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
