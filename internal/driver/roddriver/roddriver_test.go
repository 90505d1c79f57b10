package roddriver

import (
	"context"
	"testing"

	"golang.org/x/time/rate"

	"geopub/internal/driver"
	logx "geopub/pkg/logx"
)

func TestLimiterIsPerPlatform(t *testing.T) {
	t.Parallel()

	d := New(Config{NavRatePerSec: 2}, logx.Nop())
	a, b := d.limiter("zhihu"), d.limiter("toutiao")
	if a == b {
		t.Fatal("platforms share a limiter")
	}
	if d.limiter("zhihu") != a {
		t.Fatal("limiter not reused")
	}
	if a.Limit() != rate.Limit(2) || a.Burst() != 1 {
		t.Fatalf("limit=%v burst=%d", a.Limit(), a.Burst())
	}
}

func TestNewDefaultsNavigationRate(t *testing.T) {
	t.Parallel()

	d := New(Config{}, logx.Nop())
	if got := d.limiter("csdn").Limit(); got != rate.Limit(1) {
		t.Fatalf("limit=%v", got)
	}
}

func TestCloseAndShutdownWithoutBrowser(t *testing.T) {
	t.Parallel()

	d := New(Config{}, logx.Nop())
	if err := d.Close(context.Background(), driver.Session{ID: "missing", AccountID: 1, Platform: "zhihu"}); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	// dropBrowser tolerates an absent browser too.
	d.dropBrowser(nil)
}
