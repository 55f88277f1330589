package afip

import (
	"fmt"
	"strings"
)

// Environment selects the authority's homologation or production web services.
// Both endpoints of a call chain always come from the same environment.
type Environment int

const (
	Homologation Environment = iota
	Production
)

// Endpoints holds the WSAA login and WSFEv1 invoicing service URLs.
type Endpoints struct {
	Login     string
	Invoicing string
}

func (e Environment) Endpoints() Endpoints {
	switch e {
	case Production:
		return Endpoints{
			Login:     "https://wsaa.afip.gov.ar/ws/services/LoginCms",
			Invoicing: "https://servicios1.afip.gov.ar/wsfev1/service.asmx",
		}
	case Homologation:
		return Endpoints{
			Login:     "https://wsaahomo.afip.gov.ar/ws/services/LoginCms",
			Invoicing: "https://wswhomo.afip.gov.ar/wsfev1/service.asmx",
		}
	}
	panic("Invalid environment")
}

func (e Environment) Name() string {
	switch e {
	case Production:
		return "production"
	case Homologation:
		return "homologation"
	}
	return fmt.Sprintf("environment(%d)", int(e))
}

func (e Environment) String() string {
	return e.Name()
}

func (e Environment) MarshalText() ([]byte, error) {
	switch e {
	case Production, Homologation:
		return []byte(e.Name()), nil
	}
	return nil, fmt.Errorf("invalid environment: %d", int(e))
}

func (e *Environment) UnmarshalText(text []byte) error {
	val := strings.ToLower(strings.TrimSpace(string(text)))

	switch val {
	case "production", "prod":
		*e = Production
	case "homologation", "homo", "test":
		*e = Homologation
	default:
		return fmt.Errorf("invalid AFIP environment: %q (allowed: production, homologation)", val)
	}
	return nil
}

// ParseEnvironment is a convenience wrapper over UnmarshalText.
func ParseEnvironment(s string) (Environment, error) {
	var e Environment
	err := e.UnmarshalText([]byte(s))
	return e, err
}
