package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"courier/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v, want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "courier.db")
			st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()

			ctx := context.Background()
			base := time.Unix(1_700_000_000, 0).UTC()
			for i := 0; i < 5; i++ {
				e := AuditEntry{
					At:       base.Add(time.Duration(i) * time.Second),
					ID:       fmt.Sprintf("m%d", i),
					Status:   "sent",
					Success:  true,
					Provider: "a",
					Attempts: 1,
					Trail:    `[{"backend":"a"}]`,
				}
				if err := st.Append(ctx, e); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			got, err := st.Recent(ctx, 3)
			if err != nil {
				t.Fatalf("Recent: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("len(Recent) = %d, want 3", len(got))
			}
			for i, want := range []string{"m2", "m3", "m4"} {
				if got[i].ID != want {
					t.Fatalf("Recent[%d].ID = %s, want %s", i, got[i].ID, want)
				}
			}
			if !got[2].Success || got[2].Provider != "a" || !got[2].At.Equal(base.Add(4*time.Second)) {
				t.Fatalf("entry = %+v", got[2])
			}

			all, err := st.Recent(ctx, 0)
			if err != nil || len(all) != 5 {
				t.Fatalf("Recent(0) = %d entries, %v", len(all), err)
			}
		})
	}
}

func TestFileRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestFileAppendAfterClose(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "a.log")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Close()
	if err := st.Append(context.Background(), AuditEntry{ID: "x"}); err != ErrClosed {
		t.Fatalf("Append after Close = %v, want ErrClosed", err)
	}
}
