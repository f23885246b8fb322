package models

// Product is one priced SKU in the pricing catalog.
type Product struct {
	SKU           string            `json:"sku" yaml:"sku"`
	ServiceCode   string            `json:"serviceCode" yaml:"serviceCode"`
	ProductFamily string            `json:"productFamily" yaml:"productFamily"`
	Attributes    map[string]string `json:"attributes" yaml:"attributes"`
	Unit          string            `json:"unit" yaml:"unit"`
	PricePerUnit  string            `json:"pricePerUnit" yaml:"pricePerUnit"`
	Description   string            `json:"description" yaml:"description"`
}

// PricingService lists a service code and the attribute names its products carry.
type PricingService struct {
	ServiceCode    string   `json:"ServiceCode"`
	AttributeNames []string `json:"AttributeNames"`
}
