package engine

import (
	"net/http"

	"github.com/pinpt/agent.billing/sdk"
)

// regional api hosts. Accounts live on exactly one of these and the service
// answers 401 from all the others, so resolution probes them in order.
const (
	productionURL         = "https://rest.zuora.com/"
	sandboxURL            = "https://rest.apisandbox.zuora.com/"
	europeanProductionURL = "https://rest.eu.zuora.com/"
	europeanSandboxURL    = "https://rest.sandbox.eu.zuora.com/"
)

func candidateURLs(config sdk.Config) []string {
	if ok, override := config.GetString(sdk.ConfigBaseURL); ok && override != "" {
		return []string{override}
	}
	_, sandbox := config.GetBool(sdk.ConfigSandbox)
	_, european := config.GetBool(sdk.ConfigEuropean)
	switch {
	case sandbox && european:
		return []string{europeanSandboxURL, sandboxURL}
	case sandbox:
		return []string{sandboxURL, europeanSandboxURL}
	case european:
		return []string{europeanProductionURL, productionURL}
	}
	return []string{productionURL, europeanProductionURL}
}

// ResolveClient probes the candidate api hosts with the configured credentials
// and returns a client bound to the first one that accepts them. A 401 means
// the account lives elsewhere and advances to the next candidate; any other
// failure is returned as-is since retrying a different host will not help.
func ResolveClient(logger sdk.Logger, manager sdk.HTTPClientManager, config sdk.Config) (sdk.HTTPClient, error) {
	_, username := config.GetString(sdk.ConfigUsername)
	_, password := config.GetString(sdk.ConfigPassword)
	headers := map[string]string{
		"apiAccessKeyId":     username,
		"apiSecretAccessKey": password,
	}
	candidates := candidateURLs(config)
	for _, url := range candidates {
		client := manager.New(url, headers)
		_, err := client.Get(nil, sdk.WithEndpoint(describeEndpoint+"Account"), sdk.WithBasicAuth(username, password))
		if err != nil {
			if ok, code, _ := sdk.IsHTTPError(err); ok && code == http.StatusUnauthorized {
				sdk.LogDebug(logger, "credentials rejected, trying next api host", "url", url)
				continue
			}
			return nil, err
		}
		sdk.LogInfo(logger, "api host resolved", "url", url)
		return client, nil
	}
	return nil, sdk.NewConfigError("credentials rejected by all %d api hosts, check username and password", len(candidates))
}
