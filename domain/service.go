package domain

import "fmt"

// ServiceName identifies a supported fitness tracking provider.
type ServiceName string

const (
	ServiceGarmin ServiceName = "garmin"
	ServicePolar  ServiceName = "polar"
	ServiceSuunto ServiceName = "suunto"
)

// SupportedServices lists every provider the sync engine knows about, in the
// order the drain scheduler iterates them.
var SupportedServices = []ServiceName{ServiceGarmin, ServicePolar, ServiceSuunto}

// ParseServiceName validates a provider name coming from transport payloads or
// CLI flags.
func ParseServiceName(s string) (ServiceName, error) {
	for _, svc := range SupportedServices {
		if string(svc) == s {
			return svc, nil
		}
	}
	return "", fmt.Errorf("unknown service name %q", s)
}
