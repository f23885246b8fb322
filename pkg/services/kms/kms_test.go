package kms

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"cloudemu/pkg/api"
	"cloudemu/pkg/api/apitest"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/wire"
)

type KMSTestSuite struct {
	suite.Suite
	st  *api.State
	ctx context.Context
	now time.Time
}

func TestKMSTestSuite(t *testing.T) {
	suite.Run(t, new(KMSTestSuite))
}

func (s *KMSTestSuite) SetupTest() {
	s.st = apitest.NewState(s.T())
	s.ctx = context.Background()
	s.now = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s.st.Clock = func() time.Time {
		s.now = s.now.Add(time.Second)
		return s.now
	}
}

func (s *KMSTestSuite) request(op string, body any) *api.Request {
	return apitest.JSON(s.T(), service, op, wire.JSON11, body)
}

func (s *KMSTestSuite) call(h api.HandlerFunc, op string, body, out any) {
	resp := apitest.Call(s.T(), s.st, h, s.request(op, body))
	if out != nil {
		apitest.DecodeJSON(s.T(), resp, out)
	}
}

func (s *KMSTestSuite) fail(h api.HandlerFunc, op string, body any) *awserr.Error {
	resp, err := h(s.ctx, s.st, s.request(op, body))
	s.Require().Error(err)
	s.Nil(resp)
	return awserr.From(err)
}

func (s *KMSTestSuite) createKey(description string) keyMetadata {
	var out keyMetadataOutput
	s.call(createKey, "CreateKey", map[string]string{"Description": description}, &out)
	return out.KeyMetadata
}

func (s *KMSTestSuite) state(keyID string) keyMetadata {
	var out keyMetadataOutput
	s.call(describeKey, "DescribeKey", map[string]string{"KeyId": keyID}, &out)
	return out.KeyMetadata
}

func (s *KMSTestSuite) TestCreateAndDescribe() {
	key := s.createKey("app key")
	s.Regexp(`^[0-9a-f-]{36}$`, key.KeyID)
	s.Equal("arn:aws:kms:us-east-1:000000000000:key/"+key.KeyID, key.Arn)
	s.Equal("Enabled", key.KeyState)
	s.True(key.Enabled)
	s.Equal("SYMMETRIC_DEFAULT", key.KeySpec)
	s.Equal("ENCRYPT_DECRYPT", key.KeyUsage)
	s.Equal([]string{"SYMMETRIC_DEFAULT"}, key.EncryptionAlgorithms)
	s.Equal("000000000000", key.AWSAccountID)

	byARN := s.state(key.Arn)
	s.Equal(key.KeyID, byARN.KeyID)
	s.Equal("app key", byARN.Description)

	var signing keyMetadataOutput
	s.call(createKey, "CreateKey", map[string]string{"KeySpec": "ECC_NIST_P256", "KeyUsage": "SIGN_VERIFY"}, &signing)
	s.Equal([]string{"ECDSA_SHA_256"}, signing.KeyMetadata.SigningAlgorithms)

	e := s.fail(createKey, "CreateKey", map[string]string{"KeySpec": "AES_512"})
	s.Equal("ValidationException", e.ErrorCode())
	e = s.fail(createKey, "CreateKey", map[string]string{"KeyUsage": "SIGN_VERIFY"})
	s.Equal("ValidationException", e.ErrorCode())

	e = s.fail(describeKey, "DescribeKey", map[string]string{"KeyId": "0000-missing"})
	s.Equal("NotFoundException", e.ErrorCode())
	s.Equal(404, e.Status())
}

func (s *KMSTestSuite) TestStateTransitions() {
	key := s.createKey("")

	s.call(disableKey, "DisableKey", map[string]string{"KeyId": key.KeyID}, nil)
	s.Equal("Disabled", s.state(key.KeyID).KeyState)
	s.False(s.state(key.KeyID).Enabled)
	s.call(enableKey, "EnableKey", map[string]string{"KeyId": key.KeyID}, nil)
	s.Equal("Enabled", s.state(key.KeyID).KeyState)

	e := s.fail(scheduleKeyDeletion, "ScheduleKeyDeletion", map[string]any{"KeyId": key.KeyID, "PendingWindowInDays": 3})
	s.Equal("ValidationException", e.ErrorCode())

	var scheduled scheduleDeletionOutput
	s.call(scheduleKeyDeletion, "ScheduleKeyDeletion", map[string]any{"KeyId": key.KeyID, "PendingWindowInDays": 7}, &scheduled)
	s.Equal(key.Arn, scheduled.KeyID)
	s.Equal("PendingDeletion", scheduled.KeyState)
	s.Equal(7, scheduled.PendingWindowInDays)
	described := s.state(key.KeyID)
	s.Require().NotNil(described.DeletionDate)
	s.InDelta(scheduled.DeletionDate, *described.DeletionDate, 0.001)

	e = s.fail(enableKey, "EnableKey", map[string]string{"KeyId": key.KeyID})
	s.Equal("KMSInvalidStateException", e.ErrorCode())
	e = s.fail(scheduleKeyDeletion, "ScheduleKeyDeletion", map[string]string{"KeyId": key.KeyID})
	s.Equal("KMSInvalidStateException", e.ErrorCode())

	var cancelled keyIDInput
	s.call(cancelKeyDeletion, "CancelKeyDeletion", map[string]string{"KeyId": key.KeyID}, &cancelled)
	s.Equal(key.Arn, cancelled.KeyID)
	after := s.state(key.KeyID)
	s.Equal("Disabled", after.KeyState)
	s.Nil(after.DeletionDate)

	e = s.fail(cancelKeyDeletion, "CancelKeyDeletion", map[string]string{"KeyId": key.KeyID})
	s.Equal("KMSInvalidStateException", e.ErrorCode())
}

func (s *KMSTestSuite) TestAliases() {
	key := s.createKey("aliased")
	other := s.createKey("other")

	s.call(createAlias, "CreateAlias", map[string]string{"AliasName": "alias/app", "TargetKeyId": key.KeyID}, nil)
	s.call(createAlias, "CreateAlias", map[string]string{"AliasName": "alias/backup", "TargetKeyId": other.Arn}, nil)

	// Keys resolve through alias names and alias ARNs.
	s.Equal(key.KeyID, s.state("alias/app").KeyID)
	s.Equal(key.KeyID, s.state("arn:aws:kms:us-east-1:000000000000:alias/app").KeyID)
	s.call(disableKey, "DisableKey", map[string]string{"KeyId": "alias/app"}, nil)
	s.Equal("Disabled", s.state(key.KeyID).KeyState)

	e := s.fail(createAlias, "CreateAlias", map[string]string{"AliasName": "alias/app", "TargetKeyId": other.KeyID})
	s.Equal("AlreadyExistsException", e.ErrorCode())
	e = s.fail(createAlias, "CreateAlias", map[string]string{"AliasName": "app", "TargetKeyId": key.KeyID})
	s.Equal("ValidationException", e.ErrorCode())
	e = s.fail(createAlias, "CreateAlias", map[string]string{"AliasName": "alias/aws/s3", "TargetKeyId": key.KeyID})
	s.Equal("NotAuthorizedException", e.ErrorCode())
	e = s.fail(createAlias, "CreateAlias", map[string]string{"AliasName": "alias/none", "TargetKeyId": "missing"})
	s.Equal("NotFoundException", e.ErrorCode())

	var all listAliasesOutput
	s.call(listAliases, "ListAliases", nil, &all)
	s.Require().Len(all.Aliases, 2)
	s.Equal("alias/app", all.Aliases[0].AliasName)
	s.Equal("arn:aws:kms:us-east-1:000000000000:alias/app", all.Aliases[0].AliasArn)
	s.Equal(key.KeyID, all.Aliases[0].TargetKeyID)

	var forKey listAliasesOutput
	s.call(listAliases, "ListAliases", map[string]string{"KeyId": other.KeyID}, &forKey)
	s.Require().Len(forKey.Aliases, 1)
	s.Equal("alias/backup", forKey.Aliases[0].AliasName)

	s.call(deleteAlias, "DeleteAlias", map[string]string{"AliasName": "alias/app"}, nil)
	e = s.fail(describeKey, "DescribeKey", map[string]string{"KeyId": "alias/app"})
	s.Equal("NotFoundException", e.ErrorCode())
	e = s.fail(deleteAlias, "DeleteAlias", map[string]string{"AliasName": "alias/app"})
	s.Equal("NotFoundException", e.ErrorCode())
}

func (s *KMSTestSuite) TestListKeysPaging() {
	var ids []string
	for range 5 {
		ids = append(ids, s.createKey("").KeyID)
	}

	var first listKeysOutput
	s.call(listKeys, "ListKeys", map[string]int{"Limit": 3}, &first)
	s.Require().Len(first.Keys, 3)
	s.True(first.Truncated)
	s.Equal(ids[0], first.Keys[0].KeyID)
	s.Equal(ids[3], first.NextMarker)

	var rest listKeysOutput
	s.call(listKeys, "ListKeys", map[string]any{"Limit": 3, "Marker": first.NextMarker}, &rest)
	s.Require().Len(rest.Keys, 2)
	s.False(rest.Truncated)
	s.Equal(ids[4], rest.Keys[1].KeyID)

	e := s.fail(listKeys, "ListKeys", map[string]string{"Marker": "bogus"})
	s.Equal("InvalidMarkerException", e.ErrorCode())
}
