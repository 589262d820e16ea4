package billing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symptomkit/symptomkit/pkg/billing"
)

func TestNewCatalog(t *testing.T) {
	t.Parallel()

	t.Run("valid plans", func(t *testing.T) {
		t.Parallel()

		catalog, err := billing.NewCatalog(
			billing.Plan{ID: "a", Name: "A", StripePriceID: "price_a"},
			billing.Plan{ID: "b", Name: "B", PaddlePriceID: "pri_b"},
		)
		require.NoError(t, err)

		plan, ok := catalog.Plan("a")
		assert.True(t, ok)
		assert.Equal(t, "A", plan.Name)

		_, ok = catalog.Plan("missing")
		assert.False(t, ok)
	})

	t.Run("no plans", func(t *testing.T) {
		t.Parallel()
		_, err := billing.NewCatalog()
		assert.Error(t, err)
	})

	t.Run("empty plan ID", func(t *testing.T) {
		t.Parallel()
		_, err := billing.NewCatalog(billing.Plan{Name: "nameless"})
		assert.Error(t, err)
	})

	t.Run("duplicate plan IDs", func(t *testing.T) {
		t.Parallel()
		_, err := billing.NewCatalog(
			billing.Plan{ID: "a", Name: "A"},
			billing.Plan{ID: "a", Name: "A again"},
		)
		assert.Error(t, err)
	})
}

func TestPlanPriceID(t *testing.T) {
	t.Parallel()

	plan := billing.Plan{ID: "p", StripePriceID: "price_x"}

	id, ok := plan.PriceID(billing.ProviderStripe)
	assert.True(t, ok)
	assert.Equal(t, "price_x", id)

	_, ok = plan.PriceID(billing.ProviderPaddle)
	assert.False(t, ok, "no paddle price configured")

	_, ok = plan.PriceID(billing.ProviderNone)
	assert.False(t, ok)
}

func TestLoadCatalog(t *testing.T) {
	t.Parallel()

	t.Run("well formed file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "plans.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
plans:
  - id: premium_monthly
    name: Premium Monthly
    stripe_price_id: price_123
    paddle_price_id: pri_123
    interval: month
  - id: premium_yearly
    name: Premium Yearly
    stripe_price_id: price_456
    interval: year
`), 0o644))

		catalog, err := billing.LoadCatalog(path)
		require.NoError(t, err)

		plan, ok := catalog.Plan("premium_monthly")
		require.True(t, ok)
		assert.Equal(t, billing.IntervalMonth, plan.Interval)
		priceID, ok := plan.PriceID(billing.ProviderPaddle)
		assert.True(t, ok)
		assert.Equal(t, "pri_123", priceID)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := billing.LoadCatalog(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("plans: ["), 0o644))
		_, err := billing.LoadCatalog(path)
		assert.Error(t, err)
	})
}
