package referral

import (
	"encoding/json"
	"fmt"
	"strings"

	r4 "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// Entity names usable in rules.
const (
	EntityMessageHeader                 = "MessageHeader"
	EntityServiceRequest                = "ServiceRequest"
	EntityPatient                       = "Patient"
	EntityEncounter                     = "Encounter"
	EntityAppointment                   = "Appointment"
	EntityCarePlan                      = "CarePlan"
	EntityHealthcareService             = "HealthcareService"
	EntityOrganization                  = "Organization"
	EntityPractitioner                  = "Practitioner"
	EntityPractitionerRole              = "PractitionerRole"
	EntityConsent                       = "Consent"
	EntityRequestingPractitioner        = "RequestingPractitioner"
	EntityReceivingClinician            = "ReceivingClinician"
	EntityDhaOrganization               = "DhaOrganization"
	EntityReferringPracticeOrganization = "ReferringPracticeOrganization"
)

// Role identifiers matched against resource ids and profile names.
const (
	RoleRequestingPractitioner = "RequestingPractitioner"
	RoleReceivingClinician     = "ReceivingClinician"
	RoleDhaCode                = "DhaCode"
	RoleReferringPractice      = "ReferringPractice"
)

var resourceTypes = map[string]string{}

func init() {
	for _, t := range []string{
		EntityMessageHeader, EntityServiceRequest, EntityPatient, EntityEncounter,
		EntityAppointment, EntityCarePlan, EntityHealthcareService, EntityOrganization,
		EntityPractitioner, EntityPractitionerRole, EntityConsent,
	} {
		resourceTypes[strings.ToLower(t)] = t
	}
}

// BundleProjection is the typed view of a referral bundle. A resource that is
// absent is a nil pointer or an empty list.
type BundleProjection struct {
	MessageHeader     *r4.MessageHeader
	ServiceRequest    *r4.ServiceRequest
	Patient           *r4.Patient
	Encounter         *r4.Encounter
	Appointment       *r4.Appointment
	CarePlan          *r4.CarePlan
	HealthcareService *r4.HealthcareService

	RequestingPractitioner        *r4.Practitioner
	ReceivingClinician            *r4.Practitioner
	DhaOrganization               *r4.Organization
	ReferringPracticeOrganization *r4.Organization

	Organizations     []r4.Organization
	Practitioners     []r4.Practitioner
	PractitionerRoles []r4.PractitionerRole
	Consents          []r4.Consent

	// Skipped lists entries of a known type that failed to decode.
	Skipped []SkippedEntry

	// raw holds the first decodable entry of each resource type as a field map.
	raw map[string]map[string]json.RawMessage
}

// SkippedEntry is a bundle entry left out of the projection.
type SkippedEntry struct {
	Index        int
	ResourceType string
	Err          error
}

// ParseBundle decodes the bundle envelope. Entries are not interpreted here.
func ParseBundle(body []byte) (r4.Bundle, error) {
	var head struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return r4.Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	if head.ResourceType != "Bundle" {
		return r4.Bundle{}, fmt.Errorf("expected resourceType 'Bundle', got '%s'", head.ResourceType)
	}
	bundle, err := r4.UnmarshalBundle(body)
	if err != nil {
		return r4.Bundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	return bundle, nil
}

type resourceHead struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id"`
	Meta         *struct {
		Profile []string `json:"profile"`
	} `json:"meta"`
}

// ProjectBundle extracts the referral view of a bundle. Entries of a known
// type that cannot be decoded are skipped and listed in Skipped.
func ProjectBundle(bundle r4.Bundle) BundleProjection {
	p := BundleProjection{raw: map[string]map[string]json.RawMessage{}}

	for i, entry := range bundle.Entry {
		if len(entry.Resource) == 0 {
			continue
		}
		var head resourceHead
		if err := json.Unmarshal(entry.Resource, &head); err != nil {
			continue
		}
		typ, ok := resourceTypes[strings.ToLower(head.ResourceType)]
		if !ok {
			continue
		}
		if err := p.project(typ, head, entry.Resource); err != nil {
			p.Skipped = append(p.Skipped, SkippedEntry{Index: i, ResourceType: typ, Err: err})
			continue
		}
		if _, seen := p.raw[typ]; !seen {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(entry.Resource, &fields); err == nil {
				p.raw[typ] = fields
			}
		}
	}
	return p
}

// project decodes one resource into its slot.
func (p *BundleProjection) project(typ string, head resourceHead, data json.RawMessage) error {
	switch typ {
	case EntityMessageHeader:
		return first(&p.MessageHeader, data)
	case EntityServiceRequest:
		return first(&p.ServiceRequest, data)
	case EntityPatient:
		return first(&p.Patient, data)
	case EntityEncounter:
		return first(&p.Encounter, data)
	case EntityAppointment:
		return first(&p.Appointment, data)
	case EntityCarePlan:
		return first(&p.CarePlan, data)
	case EntityHealthcareService:
		return first(&p.HealthcareService, data)
	case EntityConsent:
		return appendDecoded(&p.Consents, data)
	case EntityPractitionerRole:
		return appendDecoded(&p.PractitionerRoles, data)
	case EntityPractitioner:
		var v r4.Practitioner
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		p.Practitioners = append(p.Practitioners, v)
		switch {
		case hasRole(head, RoleRequestingPractitioner) && p.RequestingPractitioner == nil:
			p.RequestingPractitioner = &v
		case hasRole(head, RoleReceivingClinician) && p.ReceivingClinician == nil:
			p.ReceivingClinician = &v
		}
		return nil
	case EntityOrganization:
		var v r4.Organization
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		p.Organizations = append(p.Organizations, v)
		switch {
		case hasRole(head, RoleDhaCode) && p.DhaOrganization == nil:
			p.DhaOrganization = &v
		case hasRole(head, RoleReferringPractice) && p.ReferringPracticeOrganization == nil:
			p.ReferringPracticeOrganization = &v
		}
		return nil
	}
	return nil
}

func first[T any](slot **T, data json.RawMessage) error {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if *slot == nil {
		*slot = &v
	}
	return nil
}

func appendDecoded[T any](list *[]T, data json.RawMessage) error {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*list = append(*list, v)
	return nil
}

// hasRole matches role against the resource id or the last path segment of
// any declared profile, ignoring case.
func hasRole(head resourceHead, role string) bool {
	if strings.EqualFold(head.ID, role) {
		return true
	}
	if head.Meta == nil {
		return false
	}
	for _, profile := range head.Meta.Profile {
		name := profile
		if i := strings.LastIndexAny(name, "/#"); i >= 0 {
			name = name[i+1:]
		}
		if i := strings.Index(name, "|"); i >= 0 {
			name = name[:i]
		}
		if strings.EqualFold(name, role) {
			return true
		}
	}
	return false
}

// Has reports whether an entity is present.
func (p BundleProjection) Has(entity string) bool {
	switch entity {
	case EntityMessageHeader:
		return p.MessageHeader != nil
	case EntityServiceRequest:
		return p.ServiceRequest != nil
	case EntityPatient:
		return p.Patient != nil
	case EntityEncounter:
		return p.Encounter != nil
	case EntityAppointment:
		return p.Appointment != nil
	case EntityCarePlan:
		return p.CarePlan != nil
	case EntityHealthcareService:
		return p.HealthcareService != nil
	case EntityRequestingPractitioner:
		return p.RequestingPractitioner != nil
	case EntityReceivingClinician:
		return p.ReceivingClinician != nil
	case EntityDhaOrganization:
		return p.DhaOrganization != nil
	case EntityReferringPracticeOrganization:
		return p.ReferringPracticeOrganization != nil
	default:
		return countable(entity) && p.Count(entity) > 0
	}
}

// Count returns the number of decoded resources of an entity type.
func (p BundleProjection) Count(entity string) int {
	switch entity {
	case EntityOrganization:
		return len(p.Organizations)
	case EntityPractitioner:
		return len(p.Practitioners)
	case EntityPractitionerRole:
		return len(p.PractitionerRoles)
	case EntityConsent:
		return len(p.Consents)
	default:
		if p.Has(entity) {
			return 1
		}
		return 0
	}
}

// HasField reports whether the first resource of the given type carries a
// non-empty value for field.
func (p BundleProjection) HasField(entity, field string) bool {
	fields, ok := p.raw[entity]
	if !ok {
		return false
	}
	v, ok := fields[field]
	if !ok {
		return false
	}
	switch strings.TrimSpace(string(v)) {
	case "", "null", "{}", "[]", `""`:
		return false
	}
	return true
}

// knownEntity reports whether rules may name the entity.
func knownEntity(name string) bool {
	if canonical, ok := resourceTypes[strings.ToLower(name)]; ok && canonical == name {
		return true
	}
	switch name {
	case EntityRequestingPractitioner, EntityReceivingClinician,
		EntityDhaOrganization, EntityReferringPracticeOrganization:
		return true
	}
	return false
}

// countable reports whether the entity is held as a list.
func countable(name string) bool {
	switch name {
	case EntityOrganization, EntityPractitioner, EntityPractitionerRole, EntityConsent:
		return true
	}
	return false
}
