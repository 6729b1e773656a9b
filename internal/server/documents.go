package server

import (
	"encoding/json"

	"github.com/smartlike-org/gateway/internal/config"
)

// buildActorDoc renders the gateway's service actor once at startup.
func buildActorDoc(cfg *config.Config, publicKeyPEM string) []byte {
	actorURL := cfg.BaseURL("/actor")
	doc, _ := json.Marshal(map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                actorURL,
		"type":              "Application",
		"preferredUsername": "relay",
		"name":              cfg.Name,
		"summary":           cfg.Summary,
		"inbox":             cfg.BaseURL("/inbox"),
		"publicKey": map[string]string{
			"id":           actorURL + "#main-key",
			"owner":        actorURL,
			"publicKeyPem": publicKeyPEM,
		},
	})
	return doc
}

// buildNodeInfo renders the nodeinfo 2.0 document once at startup.
func buildNodeInfo(cfg *config.Config) []byte {
	doc, _ := json.Marshal(map[string]interface{}{
		"version": "2.0",
		"software": map[string]string{
			"name":    "smartlike-gateway",
			"version": "1.0.0",
		},
		"protocols": []string{"activitypub"},
		"services":  map[string]interface{}{"inbound": []string{}, "outbound": []string{}},
		"openRegistrations": false,
		"usage": map[string]interface{}{
			"users": map[string]int{"total": 1},
		},
		"metadata": map[string]string{
			"nodeName":        cfg.Name,
			"nodeDescription": cfg.Summary,
		},
	})
	return doc
}
