package pricing

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/suite"

	"cloudemu/pkg/api"
	"cloudemu/pkg/api/apitest"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/wire"
)

type PricingTestSuite struct {
	suite.Suite
	st  *api.State
	ctx context.Context
}

func TestPricingTestSuite(t *testing.T) {
	suite.Run(t, new(PricingTestSuite))
}

func (s *PricingTestSuite) SetupTest() {
	s.st = apitest.NewState(s.T())
	s.ctx = context.Background()
}

func (s *PricingTestSuite) call(h api.HandlerFunc, op string, body, out any) {
	resp := apitest.Call(s.T(), s.st, h, apitest.JSON(s.T(), service, op, wire.JSON11, body))
	apitest.DecodeJSON(s.T(), resp, out)
}

func (s *PricingTestSuite) fail(h api.HandlerFunc, op string, body any) *awserr.Error {
	resp, err := h(s.ctx, s.st, apitest.JSON(s.T(), service, op, wire.JSON11, body))
	s.Require().Error(err)
	s.Nil(resp)
	return awserr.From(err)
}

func (s *PricingTestSuite) TestCatalogParses() {
	seed, err := loadCatalog()
	s.Require().NoError(err)
	s.NotEmpty(seed)
	for _, p := range seed {
		s.NotEmpty(p.SKU)
		s.NotEmpty(p.PricePerUnit, p.SKU)
		s.Contains(p.Attributes, "regionCode", p.SKU)
	}
}

func (s *PricingTestSuite) TestDescribeServices() {
	var out describeServicesOutput
	s.call(describeServices, "DescribeServices", nil, &out)
	s.Equal("aws_v1", out.FormatVersion)
	var codes []string
	for _, svc := range out.Services {
		codes = append(codes, svc.ServiceCode)
	}
	s.Contains(codes, "AmazonEC2")
	s.Contains(codes, "AmazonS3")

	s.call(describeServices, "DescribeServices", map[string]string{"ServiceCode": "AmazonEC2"}, &out)
	s.Require().Len(out.Services, 1)
	names := out.Services[0].AttributeNames
	s.Contains(names, "instanceType")
	s.Contains(names, "productFamily")
	s.IsNonDecreasing(names)

	s.call(describeServices, "DescribeServices", map[string]int{"MaxResults": 1}, &out)
	s.Len(out.Services, 1)
	s.Equal("1", out.NextToken)

	e := s.fail(describeServices, "DescribeServices", map[string]string{"ServiceCode": "AmazonNothing"})
	s.Equal("NotFoundException", e.ErrorCode())
	e = s.fail(describeServices, "DescribeServices", map[string]string{"FormatVersion": "aws_v2"})
	s.Equal("InvalidParameterException", e.ErrorCode())
}

func (s *PricingTestSuite) TestAttributeValues() {
	var out attributeValuesOutput
	s.call(getAttributeValues, "GetAttributeValues", map[string]string{"ServiceCode": "AmazonEC2", "AttributeName": "instanceType"}, &out)
	var values []string
	for _, v := range out.AttributeValues {
		values = append(values, v.Value)
	}
	s.Contains(values, "t3.micro")
	s.Contains(values, "m5.large")
	s.IsIncreasing(values)

	e := s.fail(getAttributeValues, "GetAttributeValues", map[string]string{"ServiceCode": "AmazonEC2"})
	s.Equal("MissingParameter", e.ErrorCode())
	e = s.fail(getAttributeValues, "GetAttributeValues", map[string]string{"ServiceCode": "AmazonEC2", "AttributeName": "flavour"})
	s.Equal("NotFoundException", e.ErrorCode())
}

func (s *PricingTestSuite) TestGetProducts() {
	var out getProductsOutput
	s.call(getProducts, "GetProducts", map[string]any{
		"ServiceCode": "AmazonEC2",
		"Filters": []filter{
			{Type: "TERM_MATCH", Field: "instanceType", Value: "m5.large"},
			{Type: "TERM_MATCH", Field: "regionCode", Value: "us-east-1"},
			{Type: "TERM_MATCH", Field: "operatingSystem", Value: "linux"},
		},
	}, &out)
	s.Require().Len(out.PriceList, 1)

	var doc priceListDocument
	s.Require().NoError(json.Unmarshal([]byte(out.PriceList[0]), &doc))
	s.Equal("YDCN3BZG3MGWTM5W", doc.Product.SKU)
	s.Equal("AmazonEC2", doc.ServiceCode)
	s.Require().Len(doc.Terms["OnDemand"], 1)
	for _, t := range doc.Terms["OnDemand"] {
		s.Require().Len(t.PriceDimensions, 1)
		for _, d := range t.PriceDimensions {
			s.Equal("Hrs", d.Unit)
			s.NotEmpty(d.PricePerUnit["USD"])
		}
	}

	s.call(getProducts, "GetProducts", map[string]any{
		"ServiceCode": "AmazonEC2",
		"Filters":     []filter{{Type: "ANY_OF", Field: "instanceType", Value: "t3.micro, t3.medium"}},
	}, &out)
	s.Len(out.PriceList, 2)
	s.call(getProducts, "GetProducts", map[string]any{
		"ServiceCode": "AmazonS3",
		"Filters":     []filter{{Type: "CONTAINS", Field: "storageClass", Value: "infrequent"}},
	}, &out)
	s.Len(out.PriceList, 1)

	var all getProductsOutput
	s.call(getProducts, "GetProducts", map[string]any{"ServiceCode": "AmazonEC2"}, &all)
	s.call(getProducts, "GetProducts", map[string]any{
		"ServiceCode": "AmazonEC2",
		"Filters":     []filter{{Type: "NONE_OF", Field: "productFamily", Value: "Storage"}},
	}, &out)
	s.Len(out.PriceList, len(all.PriceList)-1)

	s.call(getProducts, "GetProducts", map[string]any{"ServiceCode": "AmazonEC2", "MaxResults": 2}, &out)
	s.Len(out.PriceList, 2)
	s.Equal("2", out.NextToken)

	e := s.fail(getProducts, "GetProducts", map[string]any{})
	s.Equal("MissingParameter", e.ErrorCode())
	e = s.fail(getProducts, "GetProducts", map[string]any{
		"ServiceCode": "AmazonEC2",
		"Filters":     []filter{{Type: "REGEX", Field: "sku", Value: ".*"}},
	})
	s.Equal("InvalidParameterException", e.ErrorCode())
}
