// Package kms implements the KMS key and alias lifecycle over AWS-JSON 1.1. No key material
// exists; cryptographic operations are not offered.
package kms

import (
	"context"
	"slices"
	"strings"
	"time"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/wire"
)

const service = "kms"

const (
	stateEnabled         = "Enabled"
	stateDisabled        = "Disabled"
	statePendingDeletion = "PendingDeletion"

	defaultPendingWindow = 30
	minPendingWindow     = 7
	defaultListLimit     = 100

	aliasPrefix = "alias/"
)

var (
	keySpecs = []string{
		"SYMMETRIC_DEFAULT", "RSA_2048", "RSA_3072", "RSA_4096", "ECC_NIST_P256", "ECC_NIST_P384",
		"ECC_NIST_P521", "ECC_SECG_P256K1", "HMAC_224", "HMAC_256", "HMAC_384", "HMAC_512",
	}
	keyUsages = []string{"ENCRYPT_DECRYPT", "SIGN_VERIFY", "GENERATE_VERIFY_MAC", "KEY_AGREEMENT"}
)

// Register adds the KMS operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateKey":           createKey,
		"DescribeKey":         describeKey,
		"ListKeys":            listKeys,
		"EnableKey":           enableKey,
		"DisableKey":          disableKey,
		"ScheduleKeyDeletion": scheduleKeyDeletion,
		"CancelKeyDeletion":   cancelKeyDeletion,
		"CreateAlias":         createAlias,
		"ListAliases":         listAliases,
		"DeleteAlias":         deleteAlias,
	})
}

func validation(message string) *awserr.Error {
	return awserr.InvalidArgument(message).WithCode("ValidationException")
}

// resolveKey finds a key by id, key ARN, alias name or alias ARN.
func resolveKey(ctx context.Context, st *api.State, id string) (*models.Key, error) {
	if id == "" {
		return nil, awserr.MissingParameter("KeyId")
	}
	if strings.HasPrefix(id, aliasPrefix) || strings.Contains(id, ":"+aliasPrefix) {
		return st.Meta.ResolveAlias(ctx, id)
	}
	return st.Meta.GetKey(ctx, id)
}

type keyMetadata struct {
	AWSAccountID          string   `json:"AWSAccountId"`
	KeyID                 string   `json:"KeyId"`
	Arn                   string   `json:"Arn"`
	CreationDate          float64  `json:"CreationDate"`
	Enabled               bool     `json:"Enabled"`
	Description           string   `json:"Description"`
	KeyUsage              string   `json:"KeyUsage"`
	KeyState              string   `json:"KeyState"`
	DeletionDate          *float64 `json:"DeletionDate,omitempty"`
	Origin                string   `json:"Origin"`
	KeyManager            string   `json:"KeyManager"`
	KeySpec               string   `json:"KeySpec"`
	CustomerMasterKeySpec string   `json:"CustomerMasterKeySpec"`
	EncryptionAlgorithms  []string `json:"EncryptionAlgorithms,omitempty"`
	SigningAlgorithms     []string `json:"SigningAlgorithms,omitempty"`
	MultiRegion           bool     `json:"MultiRegion"`
}

type keyMetadataOutput struct {
	KeyMetadata keyMetadata `json:"KeyMetadata"`
}

func describe(st *api.State, key *models.Key) keyMetadata {
	m := keyMetadata{
		AWSAccountID:          st.AccountID(),
		KeyID:                 key.ID,
		Arn:                   key.ARN,
		CreationDate:          wire.Epoch(key.CreatedAt),
		Enabled:               key.State == stateEnabled,
		Description:           key.Description,
		KeyUsage:              key.Usage,
		KeyState:              key.State,
		Origin:                "AWS_KMS",
		KeyManager:            "CUSTOMER",
		KeySpec:               key.Spec,
		CustomerMasterKeySpec: key.Spec,
	}
	if key.DeletionDate != nil {
		d := wire.Epoch(*key.DeletionDate)
		m.DeletionDate = &d
	}
	switch {
	case key.Spec == "SYMMETRIC_DEFAULT":
		m.EncryptionAlgorithms = []string{"SYMMETRIC_DEFAULT"}
	case strings.HasPrefix(key.Spec, "RSA_") && key.Usage == "ENCRYPT_DECRYPT":
		m.EncryptionAlgorithms = []string{"RSAES_OAEP_SHA_1", "RSAES_OAEP_SHA_256"}
	case strings.HasPrefix(key.Spec, "RSA_"):
		m.SigningAlgorithms = []string{"RSASSA_PKCS1_V1_5_SHA_256", "RSASSA_PSS_SHA_256"}
	case strings.HasPrefix(key.Spec, "ECC_"):
		m.SigningAlgorithms = []string{"ECDSA_SHA_256"}
	}
	return m
}

type createKeyInput struct {
	Description           string `json:"Description"`
	KeyUsage              string `json:"KeyUsage"`
	KeySpec               string `json:"KeySpec"`
	CustomerMasterKeySpec string `json:"CustomerMasterKeySpec"`
	MultiRegion           bool   `json:"MultiRegion"`
}

func createKey(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createKeyInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	spec := in.KeySpec
	if spec == "" {
		spec = in.CustomerMasterKeySpec
	}
	if spec == "" {
		spec = "SYMMETRIC_DEFAULT"
	}
	usage := in.KeyUsage
	if usage == "" {
		usage = "ENCRYPT_DECRYPT"
		if strings.HasPrefix(spec, "HMAC_") {
			usage = "GENERATE_VERIFY_MAC"
		}
	}
	if !slices.Contains(keySpecs, spec) {
		return nil, validation("1 validation error detected: Value '" + spec + "' at 'keySpec' failed to satisfy constraint")
	}
	if !slices.Contains(keyUsages, usage) {
		return nil, validation("1 validation error detected: Value '" + usage + "' at 'keyUsage' failed to satisfy constraint")
	}
	if spec == "SYMMETRIC_DEFAULT" && usage != "ENCRYPT_DECRYPT" {
		return nil, validation("KeyUsage " + usage + " is not compatible with KeySpec SYMMETRIC_DEFAULT")
	}

	id := awsid.UUID()
	key := &models.Key{
		ID:          id,
		ARN:         st.ARN(service, "key/"+id),
		Description: in.Description,
		Usage:       usage,
		Spec:        spec,
		State:       stateEnabled,
		CreatedAt:   st.Now(),
	}
	if err := st.Meta.CreateKey(ctx, key); err != nil {
		return nil, err
	}
	log.Debug().Str("key", id).Str("spec", spec).Msg("Key created")
	return api.Reply(req, keyMetadataOutput{KeyMetadata: describe(st, key)})
}

type keyIDInput struct {
	KeyID string `json:"KeyId"`
}

func describeKey(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in keyIDInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	key, err := resolveKey(ctx, st, in.KeyID)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, keyMetadataOutput{KeyMetadata: describe(st, key)})
}

type pageInput struct {
	Limit  int    `json:"Limit"`
	Marker string `json:"Marker"`
}

func (in pageInput) limit() (int, error) {
	switch {
	case in.Limit == 0:
		return defaultListLimit, nil
	case in.Limit < 1 || in.Limit > 1000:
		return 0, validation("Limit must be between 1 and 1000")
	}
	return in.Limit, nil
}

type keyListEntry struct {
	KeyID  string `json:"KeyId"`
	KeyArn string `json:"KeyArn"`
}

type listKeysOutput struct {
	Keys       []keyListEntry `json:"Keys"`
	NextMarker string         `json:"NextMarker,omitempty"`
	Truncated  bool           `json:"Truncated"`
}

// listKeys pages in creation order. The marker is the id of the first key on the next page.
func listKeys(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in pageInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	limit, err := in.limit()
	if err != nil {
		return nil, err
	}
	keys, err := st.Meta.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	start := 0
	if in.Marker != "" {
		start = slices.IndexFunc(keys, func(k models.Key) bool { return k.ID == in.Marker })
		if start < 0 {
			return nil, awserr.InvalidArgument("Invalid marker").WithCode("InvalidMarkerException")
		}
	}

	out := listKeysOutput{Keys: []keyListEntry{}}
	for _, k := range keys[start:] {
		if len(out.Keys) == limit {
			out.NextMarker, out.Truncated = k.ID, true
			break
		}
		out.Keys = append(out.Keys, keyListEntry{KeyID: k.ID, KeyArn: k.ARN})
	}
	return api.Reply(req, out)
}

// setState moves the resolved key to state when it is currently in one of allowed.
func setState(ctx context.Context, st *api.State, keyID, state string, deletion *time.Time, allowed ...string) (*models.Key, error) {
	key, err := resolveKey(ctx, st, keyID)
	if err != nil {
		return nil, err
	}
	return st.Meta.SetKeyState(ctx, key.ID, state, deletion, allowed...)
}

func enableKey(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in keyIDInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if _, err := setState(ctx, st, in.KeyID, stateEnabled, nil, stateEnabled, stateDisabled); err != nil {
		return nil, err
	}
	return api.Reply(req, nil)
}

func disableKey(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in keyIDInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if _, err := setState(ctx, st, in.KeyID, stateDisabled, nil, stateEnabled, stateDisabled); err != nil {
		return nil, err
	}
	return api.Reply(req, nil)
}

type scheduleDeletionInput struct {
	KeyID               string `json:"KeyId"`
	PendingWindowInDays int    `json:"PendingWindowInDays"`
}

type scheduleDeletionOutput struct {
	KeyID               string  `json:"KeyId"`
	DeletionDate        float64 `json:"DeletionDate"`
	KeyState            string  `json:"KeyState"`
	PendingWindowInDays int     `json:"PendingWindowInDays"`
}

// scheduleKeyDeletion only marks the key; nothing purges it when the date passes.
func scheduleKeyDeletion(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in scheduleDeletionInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	days := in.PendingWindowInDays
	if days == 0 {
		days = defaultPendingWindow
	}
	if days < minPendingWindow || days > defaultPendingWindow {
		return nil, validation("PendingWindowInDays must be between 7 and 30")
	}

	when := st.Now().AddDate(0, 0, days)
	key, err := setState(ctx, st, in.KeyID, statePendingDeletion, &when, stateEnabled, stateDisabled)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("key", key.ID).Time("deletion_date", when).Msg("Key deletion scheduled")
	return api.Reply(req, scheduleDeletionOutput{
		KeyID:               key.ARN,
		DeletionDate:        wire.Epoch(when),
		KeyState:            statePendingDeletion,
		PendingWindowInDays: days,
	})
}

func cancelKeyDeletion(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in keyIDInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	key, err := setState(ctx, st, in.KeyID, stateDisabled, nil, statePendingDeletion)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, keyIDInput{KeyID: key.ARN})
}

type createAliasInput struct {
	AliasName   string `json:"AliasName"`
	TargetKeyID string `json:"TargetKeyId"`
}

func createAlias(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createAliasInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.AliasName == "" {
		return nil, awserr.MissingParameter("AliasName")
	}
	if !strings.HasPrefix(in.AliasName, aliasPrefix) || len(in.AliasName) == len(aliasPrefix) {
		return nil, validation("Alias must start with the prefix \"alias/\". Please see https://docs.aws.amazon.com/kms/latest/developerguide/kms-alias.html")
	}
	if strings.HasPrefix(in.AliasName, "alias/aws/") {
		return nil, awserr.InvalidArgument("Cannot create alias with prefix 'alias/aws/'").WithCode("NotAuthorizedException")
	}
	key, err := resolveKey(ctx, st, in.TargetKeyID)
	if err != nil {
		return nil, err
	}
	if key.State == statePendingDeletion {
		return nil, awserr.InvalidRequest(key.ARN + " is pending deletion.").WithCode("KMSInvalidStateException")
	}
	alias := &models.Alias{
		Name:      in.AliasName,
		ARN:       st.ARN(service, in.AliasName),
		KeyID:     key.ID,
		CreatedAt: st.Now(),
	}
	if err := st.Meta.CreateAlias(ctx, alias); err != nil {
		return nil, err
	}
	return api.Reply(req, nil)
}

type aliasEntry struct {
	AliasName    string  `json:"AliasName"`
	AliasArn     string  `json:"AliasArn"`
	TargetKeyID  string  `json:"TargetKeyId"`
	CreationDate float64 `json:"CreationDate"`
}

type listAliasesInput struct {
	pageInput
	KeyID string `json:"KeyId"`
}

type listAliasesOutput struct {
	Aliases    []aliasEntry `json:"Aliases"`
	NextMarker string       `json:"NextMarker,omitempty"`
	Truncated  bool         `json:"Truncated"`
}

// listAliases pages by alias name. The marker is the name of the first alias on the next page.
func listAliases(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listAliasesInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	limit, err := in.limit()
	if err != nil {
		return nil, err
	}
	keyID := in.KeyID
	if keyID != "" {
		key, err := resolveKey(ctx, st, keyID)
		if err != nil {
			return nil, err
		}
		keyID = key.ID
	}
	aliases, err := st.Meta.ListAliases(ctx, keyID)
	if err != nil {
		return nil, err
	}

	out := listAliasesOutput{Aliases: []aliasEntry{}}
	for _, a := range aliases {
		if in.Marker != "" && a.Name < in.Marker {
			continue
		}
		if len(out.Aliases) == limit {
			out.NextMarker, out.Truncated = a.Name, true
			break
		}
		out.Aliases = append(out.Aliases, aliasEntry{
			AliasName:    a.Name,
			AliasArn:     a.ARN,
			TargetKeyID:  a.KeyID,
			CreationDate: wire.Epoch(a.CreatedAt),
		})
	}
	return api.Reply(req, out)
}

type aliasNameInput struct {
	AliasName string `json:"AliasName"`
}

func deleteAlias(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in aliasNameInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.AliasName == "" {
		return nil, awserr.MissingParameter("AliasName")
	}
	if err := st.Meta.DeleteAlias(ctx, in.AliasName); err != nil {
		return nil, err
	}
	return api.Reply(req, nil)
}
