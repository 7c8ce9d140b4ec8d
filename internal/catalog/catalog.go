package catalog

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pinpt/agent.billing/sdk"
	pjson "github.com/pinpt/go-common/v10/json"
)

// upstream field types mapped to the engine's field types. Types outside this
// map mark the field unsupported.
var typeMap = map[string]sdk.FieldType{
	"picklist": sdk.StringField,
	"text":     sdk.StringField,
	"boolean":  sdk.BooleanField,
	"integer":  sdk.IntegerField,
	"decimal":  sdk.NumberField,
	"date":     sdk.DateField,
	"datetime": sdk.DateTimeField,
}

// replicationKeys are probed in order, the first one present on the object
// becomes the stream's incremental cursor
var replicationKeys = []string{
	"UpdatedDate",
	"TransactionDate",
	"UpdatedOn",
}

// exact upstream messages that classify the availability probe
const (
	syntaxErrorMessage      = "There is a syntax error in one of the queries in the AQuA input"
	noDeletedSupportMessage = "Objects included in the queries do not support the querying of deleted " +
		"records. Remove Deleted section in the JSON request and retry the request"
)

const (
	describeEndpoint  = "v1/describe/"
	bulkProbeEndpoint = "v1/batch-query/"
	restProbeEndpoint = "v1/object/export"
)

func isReplicationKey(name string) bool {
	for _, key := range replicationKeys {
		if name == key {
			return true
		}
	}
	return false
}

func isRequiredKey(name string) bool {
	return name == "Id" || isReplicationKey(name)
}

// related objects that cannot be joined in an export query
var unsupportedRelatedObjects = map[string]bool{
	"SubscriptionStatusHistory": true,
}

// fields the synchronous query api rejects even though describe lists them
var unsupportedFieldsForRest = map[string][]string{
	"Account":               {"SequenceSetId"},
	"Amendment":             {"BookingDate", "EffectivePolicy", "NewRatePlanId", "RemovedRatePlanId", "SubType"},
	"BillingRun":            {"BillingRunType", "NumberOfCreditMemos", "PostedDate"},
	"Export":                {"Encoding"},
	"Invoice":               {"PaymentTerm", "SourceType", "TaxMessage", "TaxStatus", "TemplateId"},
	"InvoiceItem":           {"Balance", "ExcludeItemBillingFromRevenueAccounting"},
	"InvoiceItemAdjustment": {"ExcludeItemBillingFromRevenueAccounting"},
	"PaymentMethod":         {"StoredCredentialProfileId"},
	"ProductRatePlanCharge": {"ExcludeItemBillingFromRevenueAccounting", "ExcludeItemBookingFromRevenueAccounting"},
	"RatePlanCharge": {
		"AmendedByOrderOn", "CreditOption", "DrawdownRate", "DrawdownUom",
		"ExcludeItemBillingFromRevenueAccounting", "ExcludeItemBookingFromRevenueAccounting",
		"IsPrepaid", "OriginalOrderDate", "PaymentTermSnapshot", "PrepaidOperationType",
		"PrepaidQuantity", "PrepaidTotalQuantity", "PrepaidUom", "ValidityPeriodType",
	},
	"Subscription": {"IsLatestVersion", "LastBookingDate", "PaymentTerm", "Revision"},
	"TaxationItem": {"Balance", "CreditAmount", "PaymentAmount"},
	"Usage":        {"ImportId"},
}

func unsupportedForRest(stream string, field string) bool {
	for _, name := range unsupportedFieldsForRest[stream] {
		if name == field {
			return true
		}
	}
	return false
}

// Catalog discovers the account's exportable objects and resolves them into
// streams. Describe responses are cached for the run since discovery and sync
// both resolve the same objects.
type Catalog struct {
	logger    sdk.Logger
	client    sdk.HTTPClient
	config    sdk.Config
	partnerID string
	cache     *cache.Cache
}

// New returns a Catalog over a resolved api client
func New(logger sdk.Logger, client sdk.HTTPClient, config sdk.Config) *Catalog {
	_, partnerID := config.GetString(sdk.ConfigPartnerID)
	return &Catalog{
		logger:    logger,
		client:    client,
		config:    config,
		partnerID: partnerID,
		cache:     cache.New(5*time.Minute, 10*time.Minute),
	}
}

type objectList struct {
	Objects []struct {
		Name string `xml:"name"`
	} `xml:"object"`
}

type fieldDescription struct {
	Name     string   `xml:"name"`
	Type     string   `xml:"type"`
	Required string   `xml:"required"`
	Contexts []string `xml:"contexts>context"`
}

type relatedObject struct {
	Name string `xml:"name"`
}

type objectDescription struct {
	Name           string             `xml:"name"`
	Fields         []fieldDescription `xml:"fields>field"`
	RelatedObjects []relatedObject    `xml:"related-objects>object"`
}

func (c *Catalog) getXML(endpoint string, out interface{}) error {
	res, err := c.client.Get(nil, sdk.WithEndpoint(endpoint), sdk.WithStreamResponse())
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return xml.NewDecoder(res.Body).Decode(out)
}

// StreamNames returns the names of every object the account exposes
func (c *Catalog) StreamNames() ([]string, error) {
	if cached, ok := c.cache.Get("names"); ok {
		return cached.([]string), nil
	}
	var list objectList
	if err := c.getXML(describeEndpoint, &list); err != nil {
		return nil, fmt.Errorf("error describing available objects: %w", err)
	}
	names := make([]string, 0, len(list.Objects))
	for _, obj := range list.Objects {
		names = append(names, obj.Name)
	}
	sort.Strings(names)
	c.cache.Set("names", names, cache.DefaultExpiration)
	return names, nil
}

func (c *Catalog) describe(name string) (*objectDescription, error) {
	if cached, ok := c.cache.Get("describe." + name); ok {
		return cached.(*objectDescription), nil
	}
	var desc objectDescription
	if err := c.getXML(describeEndpoint+name, &desc); err != nil {
		return nil, fmt.Errorf("error describing object %s: %w", name, err)
	}
	c.cache.Set("describe."+name, &desc, cache.DefaultExpiration)
	return &desc, nil
}

func exportable(f fieldDescription) bool {
	for _, ctx := range f.Contexts {
		if ctx == "export" {
			return true
		}
	}
	return false
}

// Stream resolves one object into a stream. It returns nil when the object
// cannot be extracted: a required key is not exportable or the availability
// probe rejects it.
func (c *Catalog) Stream(name string) (*sdk.Stream, error) {
	desc, err := c.describe(name)
	if err != nil {
		return nil, err
	}
	stream := &sdk.Stream{
		Name:          name,
		KeyProperties: []string{"Id"},
	}
	for _, f := range desc.Fields {
		if !exportable(f) {
			if isRequiredKey(f.Name) {
				sdk.LogInfo(c.logger, "skipping stream, required field not available for export", "stream", name, "field", f.Name)
				return nil, nil
			}
			sdk.LogDebug(c.logger, "field not available for export", "stream", name, "field", f.Name)
			continue
		}
		field := sdk.Field{
			Name:      f.Name,
			Required:  strings.EqualFold(f.Required, "true") || isRequiredKey(f.Name),
			Automatic: isRequiredKey(f.Name),
		}
		ft, known := typeMap[f.Type]
		switch {
		case !known:
			sdk.LogDebug(c.logger, "field has an unsupported data type", "stream", name, "field", f.Name, "type", f.Type)
			field.Type = sdk.StringField
			field.Unsupported = true
		case c.config.APIType() == sdk.RestAPI && unsupportedForRest(name, f.Name):
			field.Type = ft
			field.Unsupported = true
		default:
			field.Type = ft
			field.Selected = !field.Automatic
		}
		stream.Fields = append(stream.Fields, field)
	}
	for _, rel := range desc.RelatedObjects {
		if unsupportedRelatedObjects[rel.Name] {
			sdk.LogDebug(c.logger, "related object cannot be joined", "stream", name, "related", rel.Name)
			continue
		}
		stream.Fields = append(stream.Fields, sdk.Field{
			Name:         rel.Name + "Id",
			Type:         sdk.StringField,
			JoinedObject: rel.Name,
		})
	}
	for _, key := range replicationKeys {
		if _, ok := stream.FieldType(key); ok {
			stream.ReplicationKey = key
			break
		}
	}
	status, err := c.probe(name)
	if err != nil {
		return nil, err
	}
	switch status {
	case statusUnavailable:
		sdk.LogInfo(c.logger, "stream is unavailable to export", "stream", name)
		return nil, nil
	case statusAvailableWithDeleted:
		stream.SupportsDeleted = true
		_, included := c.config.GetBool(sdk.ConfigIncludeDeleted)
		stream.DeletedSelected = included
	}
	return stream, nil
}

// Streams resolves every selected object, skipping the ones that fail
// discovery
func (c *Catalog) Streams() ([]sdk.Stream, error) {
	names, err := c.StreamNames()
	if err != nil {
		return nil, err
	}
	var streams []sdk.Stream
	var failed []string
	for _, name := range names {
		if !c.config.StreamSelected(name) {
			continue
		}
		stream, err := c.Stream(name)
		if err != nil {
			sdk.LogWarn(c.logger, "error discovering stream", "stream", name, "err", err)
			failed = append(failed, name)
			continue
		}
		if stream == nil {
			continue
		}
		streams = append(streams, *stream)
	}
	if len(failed) > 0 {
		sdk.LogWarn(c.logger, "some streams failed discovery", "streams", failed)
	}
	return streams, nil
}

type probeStatus int

const (
	statusAvailable probeStatus = iota
	statusAvailableWithDeleted
	statusUnavailable
)

type bulkProbePayload struct {
	Format  string           `json:"format"`
	Version string           `json:"version"`
	Name    string           `json:"name"`
	Partner string           `json:"partner,omitempty"`
	Queries []bulkProbeQuery `json:"queries"`
}

type bulkProbeQuery struct {
	Name    string            `json:"name"`
	Query   string            `json:"query"`
	Type    string            `json:"type"`
	Deleted map[string]string `json:"deleted"`
}

type bulkProbeResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type restProbePayload struct {
	Query  string `json:"Query"`
	Format string `json:"Format"`
}

type restProbeResponse struct {
	Success bool `json:"Success"`
}

// probe submits a one row export to learn whether the object is actually
// exportable. The service advertises more objects than it will export, and
// for the bulk api the rejection message also reveals whether deleted records
// can be tracked.
func (c *Catalog) probe(name string) (probeStatus, error) {
	query := fmt.Sprintf("select * from %s limit 1", name)
	if c.config.APIType() == sdk.RestAPI {
		var resp restProbeResponse
		payload := restProbePayload{Query: query, Format: "csv"}
		if _, err := c.client.Post(bytes.NewReader([]byte(pjson.Stringify(payload))), &resp, sdk.WithEndpoint(restProbeEndpoint)); err != nil {
			sdk.LogDebug(c.logger, "error probing stream, assuming unavailable", "stream", name, "err", err)
			return statusUnavailable, nil
		}
		if !resp.Success {
			return statusUnavailable, nil
		}
		return statusAvailable, nil
	}
	payload := bulkProbePayload{
		Format:  "csv",
		Version: "1.2",
		Name:    "discover",
		Partner: c.partnerID,
		Queries: []bulkProbeQuery{
			{
				Name:    "discover",
				Query:   query,
				Type:    "zoqlexport",
				Deleted: map[string]string{"column": "Deleted", "format": "Boolean"},
			},
		},
	}
	var resp bulkProbeResponse
	if _, err := c.client.Post(bytes.NewReader([]byte(pjson.Stringify(payload))), &resp, sdk.WithEndpoint(bulkProbeEndpoint)); err != nil {
		return statusUnavailable, err
	}
	if resp.ID != "" {
		// keep the account's concurrent job count down during discovery
		if _, err := c.client.Delete(nil, sdk.WithEndpoint(bulkProbeEndpoint+"jobs/"+resp.ID)); err != nil {
			sdk.LogDebug(c.logger, "unable to delete probe job", "stream", name, "err", err)
		}
	}
	switch resp.Message {
	case "":
		return statusAvailableWithDeleted, nil
	case syntaxErrorMessage:
		return statusUnavailable, nil
	case noDeletedSupportMessage:
		return statusAvailable, nil
	}
	return statusUnavailable, fmt.Errorf("error probing stream %s: %s", name, resp.Message)
}
