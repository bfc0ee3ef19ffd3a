// Package triage classifies a free-text maintenance report into a category
// and urgency using fixed keyword sets. It is deterministic and makes no
// external calls.
package triage

import (
	"fmt"
	"strings"

	"github.com/example/infrasalud/internal/models"
)

const (
	CategoryEmergency   = "Emergencia Crítica"
	CategoryRepair      = "Reparación"
	CategoryMaintenance = "Mantenimiento"
	CategoryGeneral     = "Mantenimiento General"
	CategoryDirect      = "Contacto Directo"
)

type rule struct {
	keywords []string
	category string
	urgency  models.Urgency
}

// rules are checked in order; the first set with a match wins.
var rules = []rule{
	{[]string{"fuego", "incendio", "gas", "chispa", "corazón", "uci"}, CategoryEmergency, models.UrgencyHigh},
	{[]string{"agua", "luz", "enchufe", "aire", "clima"}, CategoryRepair, models.UrgencyMedium},
	{[]string{"pintura", "limpieza", "jardín"}, CategoryMaintenance, models.UrgencyLow},
}

func Classify(text string) models.Triage {
	lower := strings.ToLower(text)
	category, urgency := CategoryGeneral, models.UrgencyMedium
	for _, r := range rules {
		if containsAny(lower, r.keywords) {
			category, urgency = r.category, r.urgency
			break
		}
	}
	return models.Triage{
		Category:   category,
		Urgency:    urgency,
		Diagnostic: fmt.Sprintf("IA: Detectado %s prioridad %s", category, urgency),
	}
}

// DirectHire is the fixed triage attached to direct-hire requests.
func DirectHire() models.Triage {
	return models.Triage{Category: CategoryDirect, Urgency: models.UrgencyMedium}
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
