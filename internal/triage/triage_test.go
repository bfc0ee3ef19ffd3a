package triage

import (
	"testing"

	"github.com/example/infrasalud/internal/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		text     string
		category string
		urgency  models.Urgency
	}{
		{"fuego en sala", CategoryEmergency, models.UrgencyHigh},
		{"se cortó el agua", CategoryRepair, models.UrgencyMedium},
		{"Chispa en el enchufe de la UCI", CategoryEmergency, models.UrgencyHigh},
		{"falla el aire acondicionado", CategoryRepair, models.UrgencyMedium},
		{"retocar pintura del pasillo", CategoryMaintenance, models.UrgencyLow},
		{"la puerta no cierra", CategoryGeneral, models.UrgencyMedium},
		{"", CategoryGeneral, models.UrgencyMedium},
	}
	for _, tc := range cases {
		got := Classify(tc.text)
		if got.Category != tc.category || got.Urgency != tc.urgency {
			t.Fatalf("Classify(%q) = %s/%s, want %s/%s", tc.text, got.Category, got.Urgency, tc.category, tc.urgency)
		}
		if got.Diagnostic == "" {
			t.Fatalf("Classify(%q) has empty diagnostic", tc.text)
		}
	}
}

func TestClassifyFirstSetWins(t *testing.T) {
	// matches both the emergency and the maintenance sets
	got := Classify("limpieza tras incendio")
	if got.Urgency != models.UrgencyHigh {
		t.Fatalf("urgency = %s, want Alta", got.Urgency)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	a, b := Classify("luz intermitente"), Classify("luz intermitente")
	if a != b {
		t.Fatalf("non-deterministic: %+v vs %+v", a, b)
	}
}
