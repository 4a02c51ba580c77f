package plugin

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"OperatorHub/pkg/logger"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger.Use(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return &buf
}

func TestRegisterDuplicateWarnsAndOverwrites(t *testing.T) {
	logs := captureLogs(t)
	reg := NewRegistry()

	if err := reg.Register(Registration{Name: "map", Type: TypePanel, Component: "v1"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(Registration{Name: "embeddings", Type: TypePanel, Component: "e"}); err != nil {
		t.Fatalf("second register: %v", err)
	}
	if err := reg.Register(Registration{Name: "map", Type: TypePanel, Component: "v2"}); err != nil {
		t.Fatalf("duplicate register should not fail: %v", err)
	}

	panels := reg.GetByType(TypePanel)
	if len(panels) != 2 {
		t.Fatalf("expected 2 panels, got %d", len(panels))
	}
	if panels[0].Name != "map" || panels[0].Component != "v2" {
		t.Fatalf("expected latest map registration in original position, got %+v", panels[0])
	}
	if !strings.Contains(logs.String(), "already registered") {
		t.Fatalf("expected duplicate warning, logs: %s", logs.String())
	}
}

func TestRegisterRequiredFields(t *testing.T) {
	reg := NewRegistry()
	cases := []struct {
		name string
		in   Registration
		want error
	}{
		{"missing name", Registration{Type: TypePanel, Component: 1}, ErrMissingName},
		{"missing type", Registration{Name: "x", Component: 1}, ErrMissingType},
		{"unknown type", Registration{Name: "x", Type: "Widget", Component: 1}, ErrMissingType},
		{"missing component", Registration{Name: "x", Type: TypePanel}, ErrMissingComponent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := reg.Register(tc.in); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if reg.Len() != 0 {
		t.Fatalf("invalid registrations must not be stored, got %d", reg.Len())
	}

	defer func() {
		if recover() == nil {
			t.Fatal("MustRegister should panic on invalid input")
		}
	}()
	reg.MustRegister(Registration{})
}

func TestRegisterDeprecatedPlotWarns(t *testing.T) {
	logs := captureLogs(t)
	reg := NewRegistry()
	if err := reg.Register(Registration{Name: "histogram", Type: TypePlot, Component: struct{}{}}); err != nil {
		t.Fatalf("plot registration should succeed: %v", err)
	}
	if !strings.Contains(logs.String(), "deprecated") {
		t.Fatalf("expected deprecation warning, logs: %s", logs.String())
	}
}

func TestActivatorDefaultsAndFiltering(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Registration{Name: "always", Type: TypeVisualizer, Component: 1})
	reg.MustRegister(Registration{
		Name:      "video-only",
		Type:      TypeVisualizer,
		Component: 2,
		Activator: func(ctx ActivationContext) bool { return ctx.Values["media_type"] == "video" },
	})

	got, _ := reg.Get("always")
	if got.Activator == nil {
		t.Fatal("expected default activator to be filled in")
	}

	images := reg.Active(TypeVisualizer, ActivationContext{Values: map[string]any{"media_type": "image"}})
	if len(images) != 1 || images[0].Name != "always" {
		t.Fatalf("unexpected active set for images: %+v", images)
	}
	videos := reg.Active(TypeVisualizer, ActivationContext{Values: map[string]any{"media_type": "video"}})
	if len(videos) != 2 {
		t.Fatalf("expected both visualizers for video, got %d", len(videos))
	}
}

func TestUnregisterAndScripts(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(Registration{Name: "a", Type: TypeComponent, Component: 1})
	if !reg.Unregister("a") {
		t.Fatal("expected unregister to report existing entry")
	}
	if reg.Unregister("a") {
		t.Fatal("second unregister should report false")
	}
	if len(reg.GetByType(TypeComponent)) != 0 {
		t.Fatal("component should be gone")
	}

	if reg.HasScript("bundle") {
		t.Fatal("script should not be loaded yet")
	}
	if !reg.RegisterScript("bundle") {
		t.Fatal("first script registration should succeed")
	}
	if reg.RegisterScript("bundle") {
		t.Fatal("second script registration should be a no-op")
	}
	if !reg.HasScript("bundle") {
		t.Fatal("script should be recorded")
	}
	reg.ReleaseScript("bundle")
	if reg.HasScript("bundle") || !reg.RegisterScript("bundle") {
		t.Fatal("released script should be recordable again")
	}
}
