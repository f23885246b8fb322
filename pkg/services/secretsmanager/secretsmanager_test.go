package secretsmanager

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"cloudemu/pkg/api"
	"cloudemu/pkg/api/apitest"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/wire"
)

type SecretsManagerTestSuite struct {
	suite.Suite
	st  *api.State
	ctx context.Context
	now time.Time
}

func TestSecretsManagerTestSuite(t *testing.T) {
	suite.Run(t, new(SecretsManagerTestSuite))
}

func (s *SecretsManagerTestSuite) SetupTest() {
	s.st = apitest.NewState(s.T())
	s.ctx = context.Background()
	s.now = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	s.st.Clock = func() time.Time {
		s.now = s.now.Add(time.Second)
		return s.now
	}
}

func (s *SecretsManagerTestSuite) call(h api.HandlerFunc, op string, body, out any) {
	resp := apitest.Call(s.T(), s.st, h, apitest.JSON(s.T(), service, op, wire.JSON11, body))
	if out != nil {
		apitest.DecodeJSON(s.T(), resp, out)
	}
}

func (s *SecretsManagerTestSuite) fail(h api.HandlerFunc, op string, body any) *awserr.Error {
	resp, err := h(s.ctx, s.st, apitest.JSON(s.T(), service, op, wire.JSON11, body))
	s.Require().Error(err)
	s.Nil(resp)
	return awserr.From(err)
}

func (s *SecretsManagerTestSuite) value(id string, extra map[string]string) getSecretValueOutput {
	body := map[string]string{"SecretId": id}
	for k, v := range extra {
		body[k] = v
	}
	var out getSecretValueOutput
	s.call(getSecretValue, "GetSecretValue", body, &out)
	return out
}

func (s *SecretsManagerTestSuite) TestCreateAndGet() {
	var created secretIDOutput
	s.call(createSecret, "CreateSecret", map[string]any{
		"Name":         "prod/db",
		"Description":  "database password",
		"SecretString": "hunter2",
		"Tags":         []map[string]string{{"Key": "team", "Value": "data"}, {"Key": "env", "Value": "prod"}},
	}, &created)
	s.Regexp(`^arn:aws:secretsmanager:us-east-1:000000000000:secret:prod/db-[a-zA-Z0-9]{6}$`, created.ARN)
	s.NotEmpty(created.VersionID)

	got := s.value("prod/db", nil)
	s.Require().NotNil(got.SecretString)
	s.Equal("hunter2", *got.SecretString)
	s.Equal(created.VersionID, got.VersionID)
	s.Equal([]string{"AWSCURRENT"}, got.VersionStages)
	s.Equal(created.ARN, s.value(created.ARN, nil).ARN)

	var d secretDescription
	s.call(describeSecret, "DescribeSecret", map[string]string{"SecretId": "prod/db"}, &d)
	s.Equal("database password", d.Description)
	s.Equal([]tag{{Key: "env", Value: "prod"}, {Key: "team", Value: "data"}}, d.Tags)
	s.Equal([]string{"AWSCURRENT"}, d.VersionIdsToStages[created.VersionID])
	s.Nil(d.DeletedDate)

	e := s.fail(createSecret, "CreateSecret", map[string]string{"Name": "prod/db", "SecretString": "x"})
	s.Equal("ResourceExistsException", e.ErrorCode())
	e = s.fail(createSecret, "CreateSecret", map[string]string{"Name": "bad name"})
	s.Equal("InvalidParameterException", e.ErrorCode())
	e = s.fail(createSecret, "CreateSecret", map[string]string{"Name": "both", "SecretString": "x", "SecretBinary": "eA=="})
	s.Equal("InvalidParameterException", e.ErrorCode())
	e = s.fail(getSecretValue, "GetSecretValue", map[string]string{"SecretId": "missing"})
	s.Equal("ResourceNotFoundException", e.ErrorCode())
	s.Equal(404, e.Status())
}

func (s *SecretsManagerTestSuite) TestVersionStaging() {
	var created secretIDOutput
	s.call(createSecret, "CreateSecret", map[string]string{"Name": "api-key", "SecretString": "v1"}, &created)

	var second putSecretValueOutput
	s.call(putSecretValue, "PutSecretValue", map[string]string{"SecretId": "api-key", "SecretString": "v2"}, &second)
	s.Equal([]string{"AWSCURRENT"}, second.VersionStages)

	s.Equal("v2", *s.value("api-key", nil).SecretString)
	previous := s.value("api-key", map[string]string{"VersionStage": "AWSPREVIOUS"})
	s.Equal("v1", *previous.SecretString)
	s.Equal(created.VersionID, previous.VersionID)

	var third putSecretValueOutput
	s.call(putSecretValue, "PutSecretValue", map[string]string{"SecretId": "api-key", "SecretString": "v3"}, &third)
	s.Equal("v2", *s.value("api-key", map[string]string{"VersionStage": "AWSPREVIOUS"}).SecretString)
	s.Equal("v1", *s.value("api-key", map[string]string{"VersionId": created.VersionID}).SecretString)

	var versions listVersionsOutput
	s.call(listSecretVersionIDs, "ListSecretVersionIds", map[string]string{"SecretId": "api-key"}, &versions)
	s.Require().Len(versions.Versions, 2)
	s.Equal(third.VersionID, versions.Versions[0].VersionID)

	versions = listVersionsOutput{}
	s.call(listSecretVersionIDs, "ListSecretVersionIds", map[string]any{"SecretId": "api-key", "IncludeDeprecated": true}, &versions)
	s.Len(versions.Versions, 3)

	// A retried request with the same token and value is idempotent.
	token := strings.Repeat("a", 32)
	var first, retry putSecretValueOutput
	s.call(putSecretValue, "PutSecretValue", map[string]string{"SecretId": "api-key", "SecretString": "v4", "ClientRequestToken": token}, &first)
	s.call(putSecretValue, "PutSecretValue", map[string]string{"SecretId": "api-key", "SecretString": "v4", "ClientRequestToken": token}, &retry)
	s.Equal(token, first.VersionID)
	s.Equal(token, retry.VersionID)
	e := s.fail(putSecretValue, "PutSecretValue", map[string]string{"SecretId": "api-key", "SecretString": "other", "ClientRequestToken": token})
	s.Equal("ResourceExistsException", e.ErrorCode())

	e = s.fail(putSecretValue, "PutSecretValue", map[string]string{"SecretId": "api-key"})
	s.Equal("InvalidParameterException", e.ErrorCode())
	e = s.fail(getSecretValue, "GetSecretValue", map[string]string{"SecretId": "api-key", "VersionStage": "NOPE"})
	s.Equal("ResourceNotFoundException", e.ErrorCode())
}

func (s *SecretsManagerTestSuite) TestBinaryAndUpdate() {
	s.call(createSecret, "CreateSecret", map[string]any{"Name": "cert", "SecretBinary": []byte{0, 1, 2}}, nil)
	got := s.value("cert", nil)
	s.Nil(got.SecretString)
	s.Equal([]byte{0, 1, 2}, got.SecretBinary)

	var updated secretIDOutput
	s.call(updateSecret, "UpdateSecret", map[string]string{"SecretId": "cert", "Description": "tls cert"}, &updated)
	s.Empty(updated.VersionID)
	s.call(updateSecret, "UpdateSecret", map[string]string{"SecretId": "cert", "SecretString": "pem"}, &updated)
	s.NotEmpty(updated.VersionID)
	s.Equal("pem", *s.value("cert", nil).SecretString)

	var d secretDescription
	s.call(describeSecret, "DescribeSecret", map[string]string{"SecretId": "cert"}, &d)
	s.Equal("tls cert", d.Description)
	s.Len(d.VersionIdsToStages, 2)
}

func (s *SecretsManagerTestSuite) TestDeleteAndRestore() {
	s.call(createSecret, "CreateSecret", map[string]string{"Name": "temp", "SecretString": "x"}, nil)
	s.call(createSecret, "CreateSecret", map[string]string{"Name": "gone", "SecretString": "y"}, nil)

	e := s.fail(deleteSecret, "DeleteSecret", map[string]any{"SecretId": "temp", "RecoveryWindowInDays": 3})
	s.Equal("InvalidParameterException", e.ErrorCode())
	e = s.fail(deleteSecret, "DeleteSecret", map[string]any{
		"SecretId": "temp", "RecoveryWindowInDays": 7, "ForceDeleteWithoutRecovery": true,
	})
	s.Equal("InvalidParameterException", e.ErrorCode())

	var scheduled deleteSecretOutput
	s.call(deleteSecret, "DeleteSecret", map[string]any{"SecretId": "temp", "RecoveryWindowInDays": 7}, &scheduled)
	s.InDelta(wire.Epoch(s.now.AddDate(0, 0, 7)), scheduled.DeletionDate, 2)

	e = s.fail(getSecretValue, "GetSecretValue", map[string]string{"SecretId": "temp"})
	s.Equal("InvalidRequestException", e.ErrorCode())
	e = s.fail(deleteSecret, "DeleteSecret", map[string]string{"SecretId": "temp"})
	s.Equal("InvalidRequestException", e.ErrorCode())

	var list listSecretsOutput
	s.call(listSecrets, "ListSecrets", nil, &list)
	s.Require().Len(list.SecretList, 1)
	s.Equal("gone", list.SecretList[0].Name)
	list = listSecretsOutput{}
	s.call(listSecrets, "ListSecrets", map[string]bool{"IncludePlannedDeletion": true}, &list)
	s.Len(list.SecretList, 2)

	s.call(restoreSecret, "RestoreSecret", map[string]string{"SecretId": "temp"}, nil)
	s.Equal("x", *s.value("temp", nil).SecretString)

	s.call(deleteSecret, "DeleteSecret", map[string]any{"SecretId": "gone", "ForceDeleteWithoutRecovery": true}, nil)
	e = s.fail(describeSecret, "DescribeSecret", map[string]string{"SecretId": "gone"})
	s.Equal("ResourceNotFoundException", e.ErrorCode())
}

func (s *SecretsManagerTestSuite) TestListFiltersAndPaging() {
	for _, name := range []string{"prod/api", "prod/db", "dev/api", "dev/db", "shared"} {
		s.call(createSecret, "CreateSecret", map[string]string{"Name": name}, nil)
	}

	var list listSecretsOutput
	s.call(listSecrets, "ListSecrets", map[string]any{
		"Filters": []map[string]any{{"Key": "name", "Values": []string{"prod/"}}},
	}, &list)
	s.Require().Len(list.SecretList, 2)
	s.Equal("prod/api", list.SecretList[0].Name)

	list = listSecretsOutput{}
	s.call(listSecrets, "ListSecrets", map[string]any{
		"Filters": []map[string]any{{"Key": "name", "Values": []string{"!dev/"}}},
	}, &list)
	s.Len(list.SecretList, 3)

	list = listSecretsOutput{}
	s.call(listSecrets, "ListSecrets", map[string]int{"MaxResults": 2}, &list)
	s.Require().Len(list.SecretList, 2)
	s.Equal("dev/api", list.SecretList[0].Name)
	s.Equal("prod/api", list.NextToken)

	next := listSecretsOutput{}
	s.call(listSecrets, "ListSecrets", map[string]any{"MaxResults": 2, "NextToken": list.NextToken}, &next)
	s.Require().Len(next.SecretList, 2)
	s.Equal("prod/api", next.SecretList[0].Name)
	s.Equal("shared", next.NextToken)

	e := s.fail(listSecrets, "ListSecrets", map[string]any{
		"Filters": []map[string]any{{"Key": "owner", "Values": []string{"x"}}},
	})
	s.Equal("InvalidParameterException", e.ErrorCode())
}
