package model

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// Area is an entry of the area registry.
type Area struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Picture *string  `json:"picture,omitempty"`
	Aliases []string `json:"aliases,omitempty"`
	FloorID *string  `json:"floor_id,omitempty"`
	Icon    *string  `json:"icon,omitempty"`
}

// Device is an entry of the device registry.
type Device struct {
	ID           string  `json:"id"`
	Name         *string `json:"name,omitempty"`
	NameByUser   *string `json:"name_by_user,omitempty"`
	Manufacturer *string `json:"manufacturer,omitempty"`
	Model        *string `json:"model,omitempty"`
	SWVersion    *string `json:"sw_version,omitempty"`
	AreaID       *string `json:"area_id,omitempty"`
	DisabledBy   *string `json:"disabled_by,omitempty"`
}

// DisplayName returns the user-assigned name, then the integration name, then the id.
func (d Device) DisplayName() string {
	if d.NameByUser != nil && *d.NameByUser != "" {
		return *d.NameByUser
	}
	if d.Name != nil && *d.Name != "" {
		return *d.Name
	}
	return d.ID
}

// EntityRegistryEntry is an entry of the entity registry.
type EntityRegistryEntry struct {
	EntityID     string  `json:"entity_id"`
	UniqueID     string  `json:"unique_id,omitempty"`
	Platform     string  `json:"platform"`
	DeviceID     *string `json:"device_id,omitempty"`
	AreaID       *string `json:"area_id,omitempty"`
	Name         *string `json:"name,omitempty"`
	OriginalName *string `json:"original_name,omitempty"`
	Icon         *string `json:"icon,omitempty"`
	DisabledBy   *string `json:"disabled_by,omitempty"`
	HiddenBy     *string `json:"hidden_by,omitempty"`
}

// Config is the peer's core configuration.
type Config struct {
	LocationName string            `json:"location_name"`
	Latitude     float64           `json:"latitude"`
	Longitude    float64           `json:"longitude"`
	Elevation    float64           `json:"elevation"`
	UnitSystem   map[string]string `json:"unit_system"`
	TimeZone     string            `json:"time_zone"`
	Components   []string          `json:"components"`
	Version      string            `json:"version"`
	State        string            `json:"state,omitempty"`
	Currency     string            `json:"currency,omitempty"`
	Country      *string           `json:"country,omitempty"`
	Language     string            `json:"language,omitempty"`
	ConfigDir    string            `json:"config_dir,omitempty"`
	Allowlist    []string          `json:"allowlist_external_dirs,omitempty"`
}

// Service describes one callable service.
type Service struct {
	Domain      string         `json:"-"`
	Service     string         `json:"-"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	Target      map[string]any `json:"target,omitempty"`
}

// Services maps domain to service name to service description.
type Services map[string]map[string]Service

// Lookup returns a service by domain and name.
func (s Services) Lookup(domain, service string) (Service, bool) {
	svc, ok := s[domain][service]
	return svc, ok
}

// Panel is a frontend panel entry.
type Panel struct {
	ComponentName string         `json:"component_name"`
	URLPath       string         `json:"url_path"`
	Title         *string        `json:"title,omitempty"`
	Icon          *string        `json:"icon,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	RequireAdmin  bool           `json:"require_admin"`
}

// ServiceCall describes a call_service request.
type ServiceCall struct {
	Domain         string         `json:"domain"`
	Service        string         `json:"service"`
	ServiceData    map[string]any `json:"service_data,omitempty"`
	Target         map[string]any `json:"target,omitempty"`
	ReturnResponse bool           `json:"return_response,omitempty"`
}

// Fields returns the command fields for the call.
func (c ServiceCall) Fields() map[string]any {
	fields := map[string]any{
		"domain":  c.Domain,
		"service": c.Service,
	}
	if len(c.ServiceData) > 0 {
		fields["service_data"] = c.ServiceData
	}
	if len(c.Target) > 0 {
		fields["target"] = c.Target
	}
	if c.ReturnResponse {
		fields["return_response"] = true
	}
	return fields
}

// ServiceCallResult is the result of call_service.
type ServiceCallResult struct {
	Context  *Context       `json:"context,omitempty"`
	Response map[string]any `json:"response,omitempty"`
}

// ParseServices decodes a get_services result and fills in Domain and Service.
func ParseServices(raw json.RawMessage) (Services, error) {
	var services Services
	if err := sonic.Unmarshal(raw, &services); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}
	for domain, byName := range services {
		for name, svc := range byName {
			svc.Domain = domain
			svc.Service = name
			byName[name] = svc
		}
	}
	return services, nil
}

// DecodeResult decodes a command result into T.
func DecodeResult[T any](raw json.RawMessage) (T, error) {
	var v T
	if isNull(raw) {
		return v, nil
	}
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode result: %w", err)
	}
	return v, nil
}
