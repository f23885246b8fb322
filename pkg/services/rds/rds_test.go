package rds

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/suite"

	"cloudemu/pkg/api"
	"cloudemu/pkg/api/apitest"
	"cloudemu/pkg/awserr"
)

type RDSTestSuite struct {
	suite.Suite
	st  *api.State
	ctx context.Context
}

func TestRDSTestSuite(t *testing.T) {
	suite.Run(t, new(RDSTestSuite))
}

func (s *RDSTestSuite) SetupTest() {
	s.st = apitest.NewState(s.T())
	s.ctx = context.Background()
}

func (s *RDSTestSuite) call(h api.HandlerFunc, action string, params map[string]string, out any) string {
	resp := apitest.Call(s.T(), s.st, h, apitest.Query(service, action, params))
	s.Equal(http.StatusOK, resp.Status)
	if out != nil {
		s.Require().NoError(xml.Unmarshal(resp.Body, out))
	}
	return string(resp.Body)
}

func (s *RDSTestSuite) fail(h api.HandlerFunc, action string, params map[string]string) *awserr.Error {
	resp, err := h(s.ctx, s.st, apitest.Query(service, action, params))
	s.Require().Error(err)
	s.Nil(resp)
	return awserr.From(err)
}

// instanceDoc holds the DBInstance of any single-instance result element.
type instanceDoc struct {
	Result struct {
		Instance dbInstance `xml:"DBInstance"`
	} `xml:",any"`
	Metadata struct{} `xml:"ResponseMetadata"`
}

func (s *RDSTestSuite) create(id, engine string) dbInstance {
	var doc instanceDoc
	s.call(createDBInstance, "CreateDBInstance", map[string]string{
		"DBInstanceIdentifier": id,
		"DBInstanceClass":      "db.t3.micro",
		"Engine":               engine,
		"MasterUsername":       "admin",
		"MasterUserPassword":   "secret-password",
		"AllocatedStorage":     "50",
		"Tags.Tag.1.Key":       "env",
		"Tags.Tag.1.Value":     "test",
	}, &doc)
	return doc.Result.Instance
}

func (s *RDSTestSuite) describe(id string) dbInstance {
	var doc struct {
		Instances []dbInstance `xml:"DescribeDBInstancesResult>DBInstances>DBInstance"`
	}
	s.call(describeDBInstances, "DescribeDBInstances", map[string]string{"DBInstanceIdentifier": id}, &doc)
	s.Require().Len(doc.Instances, 1)
	return doc.Instances[0]
}

func (s *RDSTestSuite) TestCreateAndDescribe() {
	created := s.create("Orders-DB", "postgres")
	s.Equal("orders-db", created.DBInstanceIdentifier)
	s.Equal("arn:aws:rds:us-east-1:000000000000:db:orders-db", created.DBInstanceArn)
	s.Equal(5432, created.Endpoint.Port)
	s.Regexp(`^orders-db\.[a-z0-9]{12}\.us-east-1\.rds\.amazonaws\.com$`, created.Endpoint.Address)
	s.Equal("16.1", created.EngineVersion)
	s.Equal(50, created.AllocatedStorage)
	s.Equal([]tag{{Key: "env", Value: "test"}}, created.TagList)

	got := s.describe("orders-db")
	s.Equal(statusAvailable, got.DBInstanceStatus)
	s.Equal(created.DbiResourceID, got.DbiResourceID)

	e := s.fail(createDBInstance, "CreateDBInstance", map[string]string{
		"DBInstanceIdentifier": "orders-db", "DBInstanceClass": "db.t3.micro", "Engine": "mysql",
	})
	s.Equal("DBInstanceAlreadyExists", e.ErrorCode())

	e = s.fail(createDBInstance, "CreateDBInstance", map[string]string{
		"DBInstanceIdentifier": "other", "DBInstanceClass": "db.t3.micro", "Engine": "db2",
	})
	s.Equal("InvalidParameterValue", e.ErrorCode())

	e = s.fail(createDBInstance, "CreateDBInstance", map[string]string{
		"DBInstanceIdentifier": "bad--name", "DBInstanceClass": "db.t3.micro", "Engine": "mysql",
	})
	s.Equal("InvalidParameterValue", e.ErrorCode())

	e = s.fail(describeDBInstances, "DescribeDBInstances", map[string]string{"DBInstanceIdentifier": "missing"})
	s.Equal("DBInstanceNotFound", e.ErrorCode())
	s.Equal(http.StatusNotFound, e.Status())
}

func (s *RDSTestSuite) TestDescribeFiltersAndPaging() {
	for i := range 25 {
		engine := "mysql"
		if i%5 == 0 {
			engine = "postgres"
		}
		s.create(fmt.Sprintf("db-%02d", i), engine)
	}

	var page struct {
		Instances []dbInstance `xml:"DescribeDBInstancesResult>DBInstances>DBInstance"`
		Marker    string       `xml:"DescribeDBInstancesResult>Marker"`
	}
	s.call(describeDBInstances, "DescribeDBInstances", map[string]string{"MaxRecords": "20"}, &page)
	s.Len(page.Instances, 20)
	s.Equal("db-20", page.Marker)

	var rest struct {
		Instances []dbInstance `xml:"DescribeDBInstancesResult>DBInstances>DBInstance"`
		Marker    string       `xml:"DescribeDBInstancesResult>Marker"`
	}
	s.call(describeDBInstances, "DescribeDBInstances", map[string]string{"MaxRecords": "20", "Marker": page.Marker}, &rest)
	s.Len(rest.Instances, 5)
	s.Empty(rest.Marker)

	var filtered struct {
		Instances []dbInstance `xml:"DescribeDBInstancesResult>DBInstances>DBInstance"`
	}
	s.call(describeDBInstances, "DescribeDBInstances", map[string]string{
		"Filters.Filter.1.Name":           "engine",
		"Filters.Filter.1.Values.Value.1": "postgres",
	}, &filtered)
	s.Len(filtered.Instances, 5)

	e := s.fail(describeDBInstances, "DescribeDBInstances", map[string]string{"MaxRecords": "5"})
	s.Equal("InvalidParameterValue", e.ErrorCode())
	e = s.fail(describeDBInstances, "DescribeDBInstances", map[string]string{
		"Filters.Filter.1.Name":           "color",
		"Filters.Filter.1.Values.Value.1": "blue",
	})
	s.Equal("InvalidParameterValue", e.ErrorCode())
}

func (s *RDSTestSuite) TestStateTransitions() {
	s.create("app", "mysql")

	var doc instanceDoc
	s.call(stopDBInstance, "StopDBInstance", map[string]string{"DBInstanceIdentifier": "app"}, &doc)
	s.Equal(statusStopping, doc.Result.Instance.DBInstanceStatus)
	s.Equal(statusStopped, s.describe("app").DBInstanceStatus)

	e := s.fail(rebootDBInstance, "RebootDBInstance", map[string]string{"DBInstanceIdentifier": "app"})
	s.Equal("InvalidDBInstanceState", e.ErrorCode())
	e = s.fail(modifyDBInstance, "ModifyDBInstance", map[string]string{"DBInstanceIdentifier": "app", "DBInstanceClass": "db.m5.large"})
	s.Equal("InvalidDBInstanceState", e.ErrorCode())

	doc = instanceDoc{}
	s.call(startDBInstance, "StartDBInstance", map[string]string{"DBInstanceIdentifier": "app"}, &doc)
	s.Equal(statusStarting, doc.Result.Instance.DBInstanceStatus)
	s.Equal(statusAvailable, s.describe("app").DBInstanceStatus)

	e = s.fail(startDBInstance, "StartDBInstance", map[string]string{"DBInstanceIdentifier": "app"})
	s.Equal("InvalidDBInstanceState", e.ErrorCode())

	doc = instanceDoc{}
	s.call(rebootDBInstance, "RebootDBInstance", map[string]string{"DBInstanceIdentifier": "app"}, &doc)
	s.Equal(statusRebooting, doc.Result.Instance.DBInstanceStatus)
	s.Equal(statusAvailable, s.describe("app").DBInstanceStatus)
}

func (s *RDSTestSuite) TestModify() {
	s.create("app", "mysql")

	var doc instanceDoc
	s.call(modifyDBInstance, "ModifyDBInstance", map[string]string{
		"DBInstanceIdentifier":                     "app",
		"DBInstanceClass":                          "db.m5.large",
		"AllocatedStorage":                         "100",
		"ApplyImmediately":                         "true",
		"VpcSecurityGroupIds.VpcSecurityGroupId.1": "sg-12345678",
	}, &doc)
	s.Equal("db.m5.large", doc.Result.Instance.DBInstanceClass)
	s.Equal(100, doc.Result.Instance.AllocatedStorage)
	s.Equal([]securityGroupMembership{{VpcSecurityGroupID: "sg-12345678", Status: "active"}}, doc.Result.Instance.VpcSecurityGroups)

	e := s.fail(modifyDBInstance, "ModifyDBInstance", map[string]string{"DBInstanceIdentifier": "app", "AllocatedStorage": "30"})
	s.Equal("InvalidParameterCombination", e.ErrorCode())

	doc = instanceDoc{}
	s.call(modifyDBInstance, "ModifyDBInstance", map[string]string{
		"DBInstanceIdentifier":    "app",
		"NewDBInstanceIdentifier": "app-v2",
	}, &doc)
	s.Equal("app-v2", doc.Result.Instance.DBInstanceIdentifier)
	s.Regexp(`^app-v2\.`, doc.Result.Instance.Endpoint.Address)
	s.Equal("db.m5.large", s.describe("app-v2").DBInstanceClass)
	s.Equal("DBInstanceNotFound", s.fail(describeDBInstances, "DescribeDBInstances", map[string]string{"DBInstanceIdentifier": "app"}).ErrorCode())
}

func (s *RDSTestSuite) TestDelete() {
	s.create("app", "mariadb")

	e := s.fail(deleteDBInstance, "DeleteDBInstance", map[string]string{"DBInstanceIdentifier": "app"})
	s.Equal("InvalidParameterCombination", e.ErrorCode())

	s.call(modifyDBInstance, "ModifyDBInstance", map[string]string{"DBInstanceIdentifier": "app", "DeletionProtection": "true"}, nil)
	e = s.fail(deleteDBInstance, "DeleteDBInstance", map[string]string{"DBInstanceIdentifier": "app", "SkipFinalSnapshot": "true"})
	s.Equal("InvalidParameterCombination", e.ErrorCode())
	s.call(modifyDBInstance, "ModifyDBInstance", map[string]string{"DBInstanceIdentifier": "app", "DeletionProtection": "false"}, nil)

	var doc instanceDoc
	s.call(deleteDBInstance, "DeleteDBInstance", map[string]string{"DBInstanceIdentifier": "app", "SkipFinalSnapshot": "true"}, &doc)
	s.Equal(statusDeleting, doc.Result.Instance.DBInstanceStatus)

	e = s.fail(deleteDBInstance, "DeleteDBInstance", map[string]string{"DBInstanceIdentifier": "app", "SkipFinalSnapshot": "true"})
	s.Equal("DBInstanceNotFound", e.ErrorCode())
}
