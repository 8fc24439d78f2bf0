package startup

import (
	"context"
	"testing"

	"github.com/creatorchat/internal/config"
	"github.com/creatorchat/internal/storage"
)

func TestOpenStateStore(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name    string
		state   config.StateConfig
		wantErr bool
	}{
		{"memory", config.StateConfig{Backend: config.StateBackendMemory}, false},
		{"pebble", config.StateConfig{Backend: config.StateBackendPebble, Path: t.TempDir()}, false},
		{"unknown", config.StateConfig{Backend: "etcd"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := OpenStateStore(ctx, &config.Config{UserID: 7, State: tt.state})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("OpenStateStore accepted %q", tt.state.Backend)
				}
				return
			}
			if err != nil {
				t.Fatalf("OpenStateStore: %v", err)
			}
			defer st.Close()
			if err := st.Set(ctx, storage.KeyLastSelectedRoom, "r1"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if v, err := st.Get(ctx, storage.KeyLastSelectedRoom); err != nil || v != "r1" {
				t.Fatalf("Get = %q, %v", v, err)
			}
		})
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "", "chatd")
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
