package fhir

// Observation is the subset of the FHIR R4 Observation resource used for
// vital signs.
type Observation struct {
	ResourceType      string                 `json:"resourceType"`
	ID                string                 `json:"id,omitempty"`
	Meta              *Meta                  `json:"meta,omitempty"`
	Status            string                 `json:"status"`
	Category          []CodeableConcept      `json:"category,omitempty"`
	Code              CodeableConcept        `json:"code"`
	Subject           *Reference             `json:"subject,omitempty"`
	Encounter         *Reference             `json:"encounter,omitempty"`
	EffectiveDateTime string                 `json:"effectiveDateTime,omitempty"`
	Issued            string                 `json:"issued,omitempty"`
	Performer         []Reference            `json:"performer,omitempty"`
	ValueQuantity     *Quantity              `json:"valueQuantity,omitempty"`
	Component         []ObservationComponent `json:"component,omitempty"`
	Extension         []Extension            `json:"extension,omitempty"`
}

// ObservationComponent carries one measured part of a panel observation,
// such as the systolic half of a blood pressure.
type ObservationComponent struct {
	Code          CodeableConcept `json:"code"`
	ValueQuantity *Quantity       `json:"valueQuantity,omitempty"`
	Extension     []Extension     `json:"extension,omitempty"`
}

// NewObservation returns an Observation with its resourceType set.
func NewObservation() *Observation {
	return &Observation{ResourceType: "Observation"}
}

// FindComponent returns the first component coded with system|code.
func (o *Observation) FindComponent(system, code string) *ObservationComponent {
	for i := range o.Component {
		if o.Component[i].Code.HasCode(system, code) {
			return &o.Component[i]
		}
	}
	return nil
}

// FindExtension returns the first extension with the given url.
func (o *Observation) FindExtension(url string) *Extension {
	for i := range o.Extension {
		if o.Extension[i].URL == url {
			return &o.Extension[i]
		}
	}
	return nil
}
