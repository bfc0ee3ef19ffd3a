package models

import (
	"errors"
	"strings"
	"time"
)

type Role string

const (
	RoleClient Role = "client"
	RoleWorker Role = "worker"
)

func (r Role) Valid() bool { return r == RoleClient || r == RoleWorker }

type Specialty string

const (
	SpecialtyClinicalElectrical Specialty = "Electricidad Clínica"
	SpecialtyPlumbing           Specialty = "Gasfitería"
	SpecialtyHVAC               Specialty = "Climatización"
	SpecialtyMedicalEquipment   Specialty = "Equipamiento Médico"
	SpecialtyNetworks           Specialty = "Redes"
	SpecialtyInfrastructure     Specialty = "Infraestructura"
	SpecialtyCleaning           Specialty = "Limpieza"
	SpecialtyOther              Specialty = "Otro"
)

var Specialties = []Specialty{
	SpecialtyClinicalElectrical,
	SpecialtyPlumbing,
	SpecialtyHVAC,
	SpecialtyMedicalEquipment,
	SpecialtyNetworks,
	SpecialtyInfrastructure,
	SpecialtyCleaning,
	SpecialtyOther,
}

func (s Specialty) Valid() bool {
	for _, v := range Specialties {
		if v == s {
			return true
		}
	}
	return false
}

const DefaultWorkRadiusKm = 10.0

// WorkerProfile holds the fields that only exist for worker accounts.
type WorkerProfile struct {
	Specialty Specialty `json:"specialty"`
	Online    bool      `json:"online"`
	RadiusKm  float64   `json:"radius_km"`
}

// Account is a tagged union on Role: Worker is set iff Role is RoleWorker.
type Account struct {
	ID              string         `json:"id"`
	Email           string         `json:"email"`
	FirstName       string         `json:"first_name"`
	LastName        string         `json:"last_name"`
	Role            Role           `json:"role"`
	Phone           string         `json:"phone"`
	ShowPhone       bool           `json:"show_phone"`
	ProfileImageURL string         `json:"profile_image_url,omitempty"`
	Location        *Location      `json:"location,omitempty"`
	Worker          *WorkerProfile `json:"worker,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

var ErrAccountShape = errors.New("worker profile must be present iff role is worker")

func (a Account) Validate() error {
	switch a.Role {
	case RoleClient:
		if a.Worker != nil {
			return ErrAccountShape
		}
	case RoleWorker:
		if a.Worker == nil || !a.Worker.Specialty.Valid() {
			return ErrAccountShape
		}
	default:
		return errors.New("unknown role " + string(a.Role))
	}
	return nil
}

func (a Account) DisplayName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

func (a Account) IsWorker() bool { return a.Role == RoleWorker && a.Worker != nil }

// Online is false for every client account.
func (a Account) Online() bool { return a.IsWorker() && a.Worker.Online }

func (a Account) Specialty() Specialty {
	if a.IsWorker() {
		return a.Worker.Specialty
	}
	return ""
}

// RadiusKm returns the worker's configured work radius, falling back to the
// default when unset.
func (a Account) RadiusKm() float64 {
	if a.IsWorker() && a.Worker.RadiusKm > 0 {
		return a.Worker.RadiusKm
	}
	return DefaultWorkRadiusKm
}

// PublicPhone hides the number unless the owner opted in.
func (a Account) PublicPhone() (string, bool) {
	if a.ShowPhone && a.Phone != "" {
		return a.Phone, true
	}
	return "", false
}

// Clone returns a copy that shares no pointers with a.
func (a Account) Clone() Account {
	out := a
	if a.Location != nil {
		l := *a.Location
		if a.Location.Coords != nil {
			c := *a.Location.Coords
			l.Coords = &c
		}
		out.Location = &l
	}
	if a.Worker != nil {
		w := *a.Worker
		out.Worker = &w
	}
	return out
}
