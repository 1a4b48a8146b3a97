package model

import "time"

// Spot statuses.
const (
	SpotAvailable = "available"
	SpotOccupied  = "occupied"
)

// StateEnvelope is the versioned wrapper around the shared parking document.
type StateEnvelope struct {
	Version   int64      `json:"version" validate:"gte=0"`
	UpdatedAt *time.Time `json:"updatedAt"`
	Data      StateData  `json:"data"`
}

// StateData is the shared document itself.
type StateData struct {
	Spots    map[string]SpotRecord `json:"spots" validate:"required,dive,keys,required,endkeys,required"`
	Models   map[string][]string   `json:"models" validate:"required,dive,keys,required,endkeys,unique,dive,required"`
	Stats    map[string]float64    `json:"stats,omitempty" validate:"omitempty,dive,keys,required,endkeys"`
	Vehicles []VehicleRecord       `json:"vehicles,omitempty" validate:"omitempty,dive"`
}

// SpotRecord is the occupancy of a single spot. A spot is occupied exactly
// when it carries a vehicle.
type SpotRecord struct {
	Status  string         `json:"status" validate:"required,oneof=available occupied"`
	Vehicle *VehicleRecord `json:"vehicle"`
}

// VehicleRecord describes a parked vehicle. Every key must be present on
// the wire but any value, including "", is accepted.
type VehicleRecord struct {
	Model   string `json:"model"`
	Variant string `json:"variant"`
	Year    string `json:"year"`
	Color   string `json:"color"`
	Tires   string `json:"tires"`
	VIN     string `json:"vin"`
	Plate   string `json:"plate"`
}

// VehicleFields lists the wire keys of VehicleRecord in display order.
var VehicleFields = []string{"model", "variant", "year", "color", "tires", "vin", "plate"}

// DefaultEnvelope returns the state used when nothing has been persisted yet.
func DefaultEnvelope() *StateEnvelope {
	return &StateEnvelope{
		Version: 0,
		Data:    EmptyData(),
	}
}

// EmptyData returns a document with no spots and no models.
func EmptyData() StateData {
	return StateData{
		Spots:  map[string]SpotRecord{},
		Models: map[string][]string{},
	}
}

// Normalize replaces nil collections with empty ones so the document always
// serialises spots and models as objects.
func (d *StateData) Normalize() {
	if d.Spots == nil {
		d.Spots = map[string]SpotRecord{}
	}
	if d.Models == nil {
		d.Models = map[string][]string{}
	}
}

// FreedSpots returns the ids of spots that are occupied in prev and available
// in next.
func FreedSpots(prev, next StateData) []string {
	var freed []string
	for id, spot := range next.Spots {
		if spot.Status != SpotAvailable {
			continue
		}
		if old, ok := prev.Spots[id]; ok && old.Status == SpotOccupied {
			freed = append(freed, id)
		}
	}
	return freed
}
