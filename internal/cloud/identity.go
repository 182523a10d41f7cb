// Package cloud talks to the mower vendor backends: OAuth-style token
// exchange, the REST fleet API, and the credential material for the
// vendor's message broker.
package cloud

import "fmt"

// Identity selects one vendor backend. The identity fixes the API host, the
// token endpoint, the OAuth client and the broker topic prefix.
type Identity struct {
	Name        string
	APIHost     string
	LoginURL    string
	ClientID    string
	RedirectURI string
	TopicPrefix string
}

// DefaultBrokerEndpoint is used when the fleet API omits a device's
// mqtt_endpoint.
const DefaultBrokerEndpoint = "iot.eu-west-1.worxlandroid.com"

var identities = map[string]Identity{
	"worx": {
		Name:        "worx",
		APIHost:     "api.worxlandroid.com",
		LoginURL:    "https://id.eu.worx.com/",
		ClientID:    "150da4d2-bb44-433b-9429-3773adc70a2a",
		RedirectURI: "com.worxlandroid.landroid://oauth-callback/",
		TopicPrefix: "WX",
	},
	"kress": {
		Name:        "kress",
		APIHost:     "api.kress-robotik.com",
		LoginURL:    "https://id.eu.kress.com/",
		ClientID:    "931d4bc4-3192-405a-be78-98e43486dc59",
		RedirectURI: "com.kress-robotik.mission://oauth-callback/",
		TopicPrefix: "KR",
	},
	"landxcape": {
		Name:        "landxcape",
		APIHost:     "api.landxcape-services.com",
		LoginURL:    "https://id.landxcape-services.com/",
		ClientID:    "dec998a9-066f-433b-987a-f5fc54d3af7c",
		RedirectURI: "com.landxcape-robotics.landxcape://oauth-callback/",
		TopicPrefix: "LX",
	},
	"ferrex": {
		Name:        "ferrex",
		APIHost:     "api.watermelon.smartmower.cloud",
		LoginURL:    "https://id.watermelon.smartmower.cloud/",
		ClientID:    "10078D10-3840-474A-848A-5EED949AB0FC",
		RedirectURI: "cloud.smartmower.watermelon://oauth-callback/",
		TopicPrefix: "FE",
	},
}

// LookupIdentity resolves a backend by name.
func LookupIdentity(name string) (Identity, error) {
	id, ok := identities[name]
	if !ok {
		return Identity{}, fmt.Errorf("unknown backend %q", name)
	}
	return id, nil
}

// IdentityNames lists the supported backend names.
func IdentityNames() []string {
	names := make([]string, 0, len(identities))
	for n := range identities {
		names = append(names, n)
	}
	return names
}
