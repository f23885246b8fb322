// Package pricing implements the Price List query API over AWS-JSON 1.1. The catalog is a fixed
// set of SKUs embedded as YAML and copied into the metadata store on first use.
package pricing

import (
	"context"
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
)

const service = "pricing"

const (
	formatVersion     = "aws_v1"
	defaultMaxResults = 100
	onDemandTerm      = "JRTCKXETXF"
	rateCode          = "6YS6EN2CT7"
	effectiveDate     = "2024-01-01T00:00:00Z"
	publicationDate   = "2024-01-01T00:00:00Z"
)

//go:embed catalog.yaml
var catalogYAML []byte

var (
	catalogOnce sync.Once
	catalog     []models.Product
	catalogErr  error
)

// Register adds the Price List operations to r. GetServices is the name older SDKs use for
// DescribeServices.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"DescribeServices":   describeServices,
		"GetServices":        describeServices,
		"GetAttributeValues": getAttributeValues,
		"GetProducts":        getProducts,
	})
}

func invalidParameter(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("InvalidParameterException")
}

func notFound(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("NotFoundException")
}

// loadCatalog parses the embedded catalog once per process.
func loadCatalog() ([]models.Product, error) {
	catalogOnce.Do(func() {
		var doc struct {
			Products []models.Product `yaml:"products"`
		}
		if err := yaml.Unmarshal(catalogYAML, &doc); err != nil {
			catalogErr = fmt.Errorf("parse pricing catalog: %w", err)
			return
		}
		catalog = doc.Products
	})
	return catalog, catalogErr
}

// products seeds the store on first access and returns the products of serviceCode, or of every
// service when serviceCode is empty.
func products(ctx context.Context, st *api.State, serviceCode string) ([]models.Product, error) {
	seed, err := loadCatalog()
	if err != nil {
		return nil, awserr.Internal(err)
	}
	seeded, err := st.Meta.SeedProducts(ctx, seed)
	if err != nil {
		return nil, err
	}
	if seeded {
		log.Info().Int("products", len(seed)).Msg("Pricing catalog seeded")
	}
	return st.Meta.ListProducts(ctx, serviceCode)
}

// page cuts a page out of items. The token is the index of the first item of the next page.
func page[T any](items []T, token string, maxResults int) ([]T, string, error) {
	if maxResults == 0 {
		maxResults = defaultMaxResults
	}
	if maxResults < 1 || maxResults > defaultMaxResults {
		return nil, "", invalidParameter("MaxResults must be between 1 and 100.")
	}
	start := 0
	if token != "" {
		if _, err := fmt.Sscan(token, &start); err != nil || start < 0 || start > len(items) {
			return nil, "", awserr.InvalidArgument("The next token is invalid or has expired.").WithCode("ExpiredNextTokenException")
		}
	}
	items = items[start:]
	if len(items) > maxResults {
		return items[:maxResults], fmt.Sprint(start + maxResults), nil
	}
	return items, "", nil
}

type serviceCodeInput struct {
	ServiceCode   string `json:"ServiceCode"`
	FormatVersion string `json:"FormatVersion"`
	MaxResults    int    `json:"MaxResults"`
	NextToken     string `json:"NextToken"`
}

func (in serviceCodeInput) checkFormat() error {
	if in.FormatVersion != "" && in.FormatVersion != formatVersion {
		return invalidParameter("FormatVersion %s is not supported.", in.FormatVersion)
	}
	return nil
}

type describeServicesOutput struct {
	Services      []models.PricingService `json:"Services"`
	FormatVersion string                  `json:"FormatVersion"`
	NextToken     string                  `json:"NextToken,omitempty"`
}

// describeServices lists service codes with the union of their products' attribute names.
func describeServices(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in serviceCodeInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if err := in.checkFormat(); err != nil {
		return nil, err
	}
	all, err := products(ctx, st, in.ServiceCode)
	if err != nil {
		return nil, err
	}
	if in.ServiceCode != "" && len(all) == 0 {
		return nil, notFound("Service code %s not found.", in.ServiceCode)
	}
	var services []models.PricingService
	for _, p := range all {
		i := slices.IndexFunc(services, func(s models.PricingService) bool { return s.ServiceCode == p.ServiceCode })
		if i < 0 {
			services = append(services, models.PricingService{ServiceCode: p.ServiceCode})
			i = len(services) - 1
		}
		for name := range p.Attributes {
			if !slices.Contains(services[i].AttributeNames, name) {
				services[i].AttributeNames = append(services[i].AttributeNames, name)
			}
		}
	}
	for i := range services {
		services[i].AttributeNames = append(services[i].AttributeNames, "productFamily", "servicecode")
		slices.Sort(services[i].AttributeNames)
	}
	services, next, err := page(services, in.NextToken, in.MaxResults)
	if err != nil {
		return nil, err
	}
	if services == nil {
		services = []models.PricingService{}
	}
	return api.Reply(req, describeServicesOutput{Services: services, FormatVersion: formatVersion, NextToken: next})
}

type attributeValuesInput struct {
	serviceCodeInput
	AttributeName string `json:"AttributeName"`
}

type attributeValue struct {
	Value string `json:"Value"`
}

type attributeValuesOutput struct {
	AttributeValues []attributeValue `json:"AttributeValues"`
	NextToken       string           `json:"NextToken,omitempty"`
}

// getAttributeValues returns the distinct values one attribute takes across a service's products,
// sorted.
func getAttributeValues(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in attributeValuesInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.ServiceCode == "" {
		return nil, awserr.MissingParameter("ServiceCode")
	}
	if in.AttributeName == "" {
		return nil, awserr.MissingParameter("AttributeName")
	}
	all, err := products(ctx, st, in.ServiceCode)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, notFound("Service code %s not found.", in.ServiceCode)
	}
	var values []string
	for _, p := range all {
		if v, ok := attribute(p, in.AttributeName); ok && !slices.Contains(values, v) {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return nil, notFound("Attribute name %s not found for service code %s.", in.AttributeName, in.ServiceCode)
	}
	slices.Sort(values)
	values, next, err := page(values, in.NextToken, in.MaxResults)
	if err != nil {
		return nil, err
	}
	out := attributeValuesOutput{AttributeValues: []attributeValue{}, NextToken: next}
	for _, v := range values {
		out.AttributeValues = append(out.AttributeValues, attributeValue{Value: v})
	}
	return api.Reply(req, out)
}

// attribute reads a product field by its Price List name. productFamily, servicecode and sku are
// product fields; anything else is looked up in the attributes, ignoring case.
func attribute(p models.Product, name string) (string, bool) {
	switch strings.ToLower(name) {
	case "productfamily":
		return p.ProductFamily, true
	case "servicecode":
		return p.ServiceCode, true
	case "sku":
		return p.SKU, true
	}
	for k, v := range p.Attributes {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

type filter struct {
	Type  string `json:"Type"`
	Field string `json:"Field"`
	Value string `json:"Value"`
}

// matches applies one filter. TERM_MATCH and EQUALS compare whole values, CONTAINS a substring,
// ANY_OF and NONE_OF a comma-separated list. Values compare case-insensitively.
func (f filter) matches(p models.Product) bool {
	v, ok := attribute(p, f.Field)
	if !ok {
		return false
	}
	switch f.Type {
	case "TERM_MATCH", "EQUALS":
		return strings.EqualFold(v, f.Value)
	case "CONTAINS":
		return strings.Contains(strings.ToLower(v), strings.ToLower(f.Value))
	case "ANY_OF", "NONE_OF":
		hit := slices.ContainsFunc(strings.Split(f.Value, ","), func(want string) bool {
			return strings.EqualFold(strings.TrimSpace(want), v)
		})
		return hit == (f.Type == "ANY_OF")
	}
	return false
}

type getProductsInput struct {
	serviceCodeInput
	Filters []filter `json:"Filters"`
}

type getProductsOutput struct {
	FormatVersion string   `json:"FormatVersion"`
	PriceList     []string `json:"PriceList"`
	NextToken     string   `json:"NextToken,omitempty"`
}

// getProducts returns matching products as Price List JSON documents, one string per SKU, each
// carrying a single on-demand term.
func getProducts(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in getProductsInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.ServiceCode == "" {
		return nil, awserr.MissingParameter("ServiceCode")
	}
	if err := in.checkFormat(); err != nil {
		return nil, err
	}
	for _, f := range in.Filters {
		if !slices.Contains([]string{"TERM_MATCH", "EQUALS", "CONTAINS", "ANY_OF", "NONE_OF"}, f.Type) {
			return nil, invalidParameter("Filter type %s is not supported.", f.Type)
		}
		if f.Field == "" {
			return nil, invalidParameter("Filter field must not be empty.")
		}
	}
	all, err := products(ctx, st, in.ServiceCode)
	if err != nil {
		return nil, err
	}
	matched := slices.DeleteFunc(all, func(p models.Product) bool {
		return slices.ContainsFunc(in.Filters, func(f filter) bool { return !f.matches(p) })
	})
	matched, next, err := page(matched, in.NextToken, in.MaxResults)
	if err != nil {
		return nil, err
	}
	out := getProductsOutput{FormatVersion: formatVersion, PriceList: []string{}, NextToken: next}
	for _, p := range matched {
		doc, err := json.Marshal(priceListEntry(p))
		if err != nil {
			return nil, awserr.JSON(err)
		}
		out.PriceList = append(out.PriceList, string(doc))
	}
	return api.Reply(req, out)
}

type priceDimension struct {
	RateCode     string            `json:"rateCode"`
	Description  string            `json:"description"`
	Unit         string            `json:"unit"`
	BeginRange   string            `json:"beginRange"`
	EndRange     string            `json:"endRange"`
	PricePerUnit map[string]string `json:"pricePerUnit"`
	AppliesTo    []string          `json:"appliesTo"`
}

type term struct {
	SKU             string                    `json:"sku"`
	OfferTermCode   string                    `json:"offerTermCode"`
	EffectiveDate   string                    `json:"effectiveDate"`
	PriceDimensions map[string]priceDimension `json:"priceDimensions"`
	TermAttributes  map[string]string         `json:"termAttributes"`
}

type priceListProduct struct {
	ProductFamily string            `json:"productFamily"`
	Attributes    map[string]string `json:"attributes"`
	SKU           string            `json:"sku"`
}

type priceListDocument struct {
	Product         priceListProduct           `json:"product"`
	ServiceCode     string                     `json:"serviceCode"`
	Terms           map[string]map[string]term `json:"terms"`
	Version         string                     `json:"version"`
	PublicationDate string                     `json:"publicationDate"`
}

func priceListEntry(p models.Product) priceListDocument {
	attrs := make(map[string]string, len(p.Attributes)+1)
	for k, v := range p.Attributes {
		attrs[k] = v
	}
	attrs["servicecode"] = p.ServiceCode
	termKey := p.SKU + "." + onDemandTerm
	return priceListDocument{
		Product:     priceListProduct{ProductFamily: p.ProductFamily, Attributes: attrs, SKU: p.SKU},
		ServiceCode: p.ServiceCode,
		Terms: map[string]map[string]term{"OnDemand": {termKey: {
			SKU:           p.SKU,
			OfferTermCode: onDemandTerm,
			EffectiveDate: effectiveDate,
			PriceDimensions: map[string]priceDimension{termKey + "." + rateCode: {
				RateCode:     termKey + "." + rateCode,
				Description:  p.Description,
				Unit:         p.Unit,
				BeginRange:   "0",
				EndRange:     "Inf",
				PricePerUnit: map[string]string{"USD": p.PricePerUnit},
				AppliesTo:    []string{},
			}},
			TermAttributes: map[string]string{},
		}}},
		Version:         "20240101000000",
		PublicationDate: publicationDate,
	}
}
