// Package secretsmanager implements Secrets Manager over AWS-JSON 1.1. Values are versioned
// with the AWSCURRENT and AWSPREVIOUS staging labels; rotation is not supported.
package secretsmanager

import (
	"context"
	"regexp"
	"slices"
	"strings"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/wire"
)

const service = "secretsmanager"

const (
	defaultRecoveryDays = 30
	minRecoveryDays     = 7
	defaultMaxResults   = 100
	maxSecretBytes      = 65536
)

var secretNamePattern = regexp.MustCompile(`^[a-zA-Z0-9/_+=.@-]{1,512}$`)

// Register adds the Secrets Manager operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateSecret":         createSecret,
		"DescribeSecret":       describeSecret,
		"ListSecrets":          listSecrets,
		"PutSecretValue":       putSecretValue,
		"GetSecretValue":       getSecretValue,
		"ListSecretVersionIds": listSecretVersionIDs,
		"UpdateSecret":         updateSecret,
		"DeleteSecret":         deleteSecret,
		"RestoreSecret":        restoreSecret,
	})
}

func invalidParameter(message string) *awserr.Error {
	return awserr.InvalidArgument(message).WithCode("InvalidParameterException")
}

func invalidRequest(message string) *awserr.Error {
	return awserr.InvalidRequest(message).WithCode("InvalidRequestException")
}

type tag struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// secretValue is the value part shared by create, put and update.
type secretValue struct {
	ClientRequestToken string  `json:"ClientRequestToken"`
	SecretString       *string `json:"SecretString"`
	SecretBinary       []byte  `json:"SecretBinary"`
}

func (v secretValue) present() bool {
	return v.SecretString != nil || v.SecretBinary != nil
}

// version validates the value and builds the version it describes. It returns nil when
// no value was given.
func (v secretValue) version(st *api.State) (*models.SecretVersion, error) {
	if v.SecretString != nil && v.SecretBinary != nil {
		return nil, invalidParameter("You can't specify both a binary secret value and a string secret value in the same secret.")
	}
	if !v.present() {
		return nil, nil
	}
	if len(v.SecretBinary) > maxSecretBytes || (v.SecretString != nil && len(*v.SecretString) > maxSecretBytes) {
		return nil, invalidParameter("SecretString or SecretBinary must not exceed 65536 bytes.")
	}
	id := v.ClientRequestToken
	if id == "" {
		id = awsid.UUID()
	} else if len(id) < 32 || len(id) > 64 {
		return nil, invalidParameter("ClientRequestToken must be between 32 and 64 characters.")
	}
	return &models.SecretVersion{
		VersionID:    id,
		SecretString: v.SecretString,
		SecretBinary: v.SecretBinary,
		CreatedAt:    st.Now(),
	}, nil
}

type secretIDOutput struct {
	ARN       string `json:"ARN"`
	Name      string `json:"Name"`
	VersionID string `json:"VersionId,omitempty"`
}

type createSecretInput struct {
	secretValue
	Name        string `json:"Name"`
	Description string `json:"Description"`
	KmsKeyID    string `json:"KmsKeyId"`
	Tags        []tag  `json:"Tags"`
}

func createSecret(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createSecretInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if in.Name == "" {
		return nil, awserr.MissingParameter("Name")
	}
	if !secretNamePattern.MatchString(in.Name) {
		return nil, invalidParameter("Invalid name. Must be a valid name containing alphanumeric characters, or any of the following: -/_+=.@!")
	}
	version, err := in.version(st)
	if err != nil {
		return nil, err
	}

	now := st.Now()
	secret := &models.Secret{
		Name:        in.Name,
		ARN:         st.ARN(service, "secret:"+in.Name+"-"+awsid.Suffix(6)),
		Description: in.Description,
		KMSKeyID:    in.KmsKeyID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(in.Tags) > 0 {
		secret.Tags = make(map[string]string, len(in.Tags))
		for _, t := range in.Tags {
			secret.Tags[t.Key] = t.Value
		}
	}
	if err := st.Meta.CreateSecret(ctx, secret, version); err != nil {
		return nil, err
	}

	log.Debug().Str("secret", secret.Name).Msg("Secret created")
	out := secretIDOutput{ARN: secret.ARN, Name: secret.Name}
	if version != nil {
		out.VersionID = version.VersionID
	}
	return api.Reply(req, out)
}

type secretIDInput struct {
	SecretID string `json:"SecretId"`
}

func (in secretIDInput) id() (string, error) {
	if in.SecretID == "" {
		return "", awserr.MissingParameter("SecretId")
	}
	return in.SecretID, nil
}

type secretDescription struct {
	ARN                string              `json:"ARN"`
	Name               string              `json:"Name"`
	Description        string              `json:"Description,omitempty"`
	KmsKeyID           string              `json:"KmsKeyId,omitempty"`
	RotationEnabled    bool                `json:"RotationEnabled"`
	CreatedDate        float64             `json:"CreatedDate"`
	LastChangedDate    float64             `json:"LastChangedDate"`
	DeletedDate        *float64            `json:"DeletedDate,omitempty"`
	Tags               []tag               `json:"Tags,omitempty"`
	VersionIdsToStages map[string][]string `json:"VersionIdsToStages,omitempty"`
}

func describe(secret *models.Secret, versions []models.SecretVersion) secretDescription {
	d := secretDescription{
		ARN:             secret.ARN,
		Name:            secret.Name,
		Description:     secret.Description,
		KmsKeyID:        secret.KMSKeyID,
		CreatedDate:     wire.Epoch(secret.CreatedAt),
		LastChangedDate: wire.Epoch(secret.UpdatedAt),
	}
	if secret.DeletedAt != nil {
		deleted := wire.Epoch(*secret.DeletedAt)
		d.DeletedDate = &deleted
	}
	for k, v := range secret.Tags {
		d.Tags = append(d.Tags, tag{Key: k, Value: v})
	}
	slices.SortFunc(d.Tags, func(a, b tag) int { return strings.Compare(a.Key, b.Key) })
	for _, v := range versions {
		if len(v.Stages) == 0 {
			continue
		}
		if d.VersionIdsToStages == nil {
			d.VersionIdsToStages = map[string][]string{}
		}
		d.VersionIdsToStages[v.VersionID] = v.Stages
	}
	return d
}

func describeSecret(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in secretIDInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	id, err := in.id()
	if err != nil {
		return nil, err
	}
	secret, versions, err := st.Meta.ListSecretVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, describe(secret, versions))
}

type filter struct {
	Key    string   `json:"Key"`
	Values []string `json:"Values"`
}

type listSecretsInput struct {
	MaxResults             int      `json:"MaxResults"`
	NextToken              string   `json:"NextToken"`
	Filters                []filter `json:"Filters"`
	IncludePlannedDeletion bool     `json:"IncludePlannedDeletion"`
}

type listSecretsOutput struct {
	SecretList []secretDescription `json:"SecretList"`
	NextToken  string              `json:"NextToken,omitempty"`
}

// matches applies ListSecrets filters. Values match as prefixes; a leading '!' negates.
func matches(secret *models.Secret, filters []filter) (bool, error) {
	for _, f := range filters {
		var fields []string
		switch f.Key {
		case "name":
			fields = []string{secret.Name}
		case "description":
			fields = []string{secret.Description}
		case "tag-key":
			for k := range secret.Tags {
				fields = append(fields, k)
			}
		case "tag-value":
			for _, v := range secret.Tags {
				fields = append(fields, v)
			}
		case "all":
			fields = []string{secret.Name, secret.Description}
			for k, v := range secret.Tags {
				fields = append(fields, k, v)
			}
		default:
			return false, invalidParameter("Invalid filter key: " + f.Key)
		}
		if !anyPrefix(fields, f.Values) {
			return false, nil
		}
	}
	return true, nil
}

func anyPrefix(fields, values []string) bool {
	for _, value := range values {
		negate := strings.HasPrefix(value, "!")
		value = strings.TrimPrefix(value, "!")
		hit := false
		for _, field := range fields {
			if strings.HasPrefix(field, value) {
				hit = true
				break
			}
		}
		if hit != negate {
			return true
		}
	}
	return false
}

// listSecrets pages by name. NextToken is the name of the first secret on the next page.
func listSecrets(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listSecretsInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	limit := in.MaxResults
	if limit == 0 {
		limit = defaultMaxResults
	}
	if limit < 1 || limit > defaultMaxResults {
		return nil, invalidParameter("MaxResults must be between 1 and 100.")
	}

	secrets, err := st.Meta.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}
	out := listSecretsOutput{SecretList: []secretDescription{}}
	for i := range secrets {
		secret := &secrets[i]
		if secret.DeletedAt != nil && !in.IncludePlannedDeletion {
			continue
		}
		if in.NextToken != "" && secret.Name < in.NextToken {
			continue
		}
		ok, err := matches(secret, in.Filters)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if len(out.SecretList) == limit {
			out.NextToken = secret.Name
			break
		}
		out.SecretList = append(out.SecretList, describe(secret, nil))
	}
	return api.Reply(req, out)
}

type putSecretValueInput struct {
	secretValue
	SecretID      string   `json:"SecretId"`
	VersionStages []string `json:"VersionStages"`
}

type putSecretValueOutput struct {
	secretIDOutput
	VersionStages []string `json:"VersionStages"`
}

func putSecretValue(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in putSecretValueInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	id, err := secretIDInput{SecretID: in.SecretID}.id()
	if err != nil {
		return nil, err
	}
	version, err := in.version(st)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, invalidParameter("You must provide either SecretString or SecretBinary.")
	}
	for _, stage := range in.VersionStages {
		if stage != models.StageCurrent {
			version.Stages = append(version.Stages, stage)
		}
	}

	secret, err := st.Meta.PutSecretValue(ctx, id, version, st.Now())
	if err != nil {
		return nil, err
	}

	return api.Reply(req, putSecretValueOutput{
		secretIDOutput: secretIDOutput{ARN: secret.ARN, Name: secret.Name, VersionID: version.VersionID},
		VersionStages:  version.Stages,
	})
}

type getSecretValueInput struct {
	SecretID     string `json:"SecretId"`
	VersionID    string `json:"VersionId"`
	VersionStage string `json:"VersionStage"`
}

type getSecretValueOutput struct {
	ARN           string   `json:"ARN"`
	Name          string   `json:"Name"`
	VersionID     string   `json:"VersionId"`
	SecretString  *string  `json:"SecretString,omitempty"`
	SecretBinary  []byte   `json:"SecretBinary,omitempty"`
	VersionStages []string `json:"VersionStages"`
	CreatedDate   float64  `json:"CreatedDate"`
}

func getSecretValue(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in getSecretValueInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	id, err := secretIDInput{SecretID: in.SecretID}.id()
	if err != nil {
		return nil, err
	}
	secret, version, err := st.Meta.GetSecretVersion(ctx, id, in.VersionID, in.VersionStage)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, getSecretValueOutput{
		ARN:           secret.ARN,
		Name:          secret.Name,
		VersionID:     version.VersionID,
		SecretString:  version.SecretString,
		SecretBinary:  version.SecretBinary,
		VersionStages: version.Stages,
		CreatedDate:   wire.Epoch(version.CreatedAt),
	})
}

type listVersionsInput struct {
	SecretID          string `json:"SecretId"`
	IncludeDeprecated bool   `json:"IncludeDeprecated"`
}

type versionEntry struct {
	VersionID     string   `json:"VersionId"`
	VersionStages []string `json:"VersionStages"`
	CreatedDate   float64  `json:"CreatedDate"`
}

type listVersionsOutput struct {
	ARN      string         `json:"ARN"`
	Name     string         `json:"Name"`
	Versions []versionEntry `json:"Versions"`
}

// listSecretVersionIDs lists versions newest first. Versions without a staging label are
// deprecated and only listed on request.
func listSecretVersionIDs(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listVersionsInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	id, err := secretIDInput{SecretID: in.SecretID}.id()
	if err != nil {
		return nil, err
	}
	secret, versions, err := st.Meta.ListSecretVersions(ctx, id)
	if err != nil {
		return nil, err
	}
	out := listVersionsOutput{ARN: secret.ARN, Name: secret.Name, Versions: []versionEntry{}}
	for _, v := range versions {
		if len(v.Stages) == 0 && !in.IncludeDeprecated {
			continue
		}
		out.Versions = append(out.Versions, versionEntry{
			VersionID:     v.VersionID,
			VersionStages: v.Stages,
			CreatedDate:   wire.Epoch(v.CreatedAt),
		})
	}
	return api.Reply(req, out)
}

type updateSecretInput struct {
	secretValue
	SecretID    string `json:"SecretId"`
	Description string `json:"Description"`
	KmsKeyID    string `json:"KmsKeyId"`
}

func updateSecret(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in updateSecretInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	id, err := secretIDInput{SecretID: in.SecretID}.id()
	if err != nil {
		return nil, err
	}
	version, err := in.version(st)
	if err != nil {
		return nil, err
	}
	secret, err := st.Meta.UpdateSecret(ctx, id, in.Description, in.KmsKeyID, version, st.Now())
	if err != nil {
		return nil, err
	}
	out := secretIDOutput{ARN: secret.ARN, Name: secret.Name}
	if version != nil {
		out.VersionID = version.VersionID
	}
	return api.Reply(req, out)
}

type deleteSecretInput struct {
	SecretID                   string `json:"SecretId"`
	RecoveryWindowInDays       int    `json:"RecoveryWindowInDays"`
	ForceDeleteWithoutRecovery bool   `json:"ForceDeleteWithoutRecovery"`
}

type deleteSecretOutput struct {
	ARN          string  `json:"ARN"`
	Name         string  `json:"Name"`
	DeletionDate float64 `json:"DeletionDate"`
}

// deleteSecret either removes the secret at once or marks it deleted until the recovery
// window ends. Marked secrets are never purged; RestoreSecret brings them back.
func deleteSecret(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in deleteSecretInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	id, err := secretIDInput{SecretID: in.SecretID}.id()
	if err != nil {
		return nil, err
	}
	if in.ForceDeleteWithoutRecovery && in.RecoveryWindowInDays != 0 {
		return nil, invalidParameter("You can't use ForceDeleteWithoutRecovery in conjunction with RecoveryWindowInDays.")
	}

	now := st.Now()
	if in.ForceDeleteWithoutRecovery {
		secret, err := st.Meta.DeleteSecret(ctx, id)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("secret", secret.Name).Msg("Secret deleted")
		return api.Reply(req, deleteSecretOutput{ARN: secret.ARN, Name: secret.Name, DeletionDate: wire.Epoch(now)})
	}

	days := in.RecoveryWindowInDays
	if days == 0 {
		days = defaultRecoveryDays
	}
	if days < minRecoveryDays || days > defaultRecoveryDays {
		return nil, invalidParameter("RecoveryWindowInDays value must be between 7 and 30 days (inclusive).")
	}
	current, err := st.Meta.GetSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.DeletedAt != nil {
		return nil, invalidRequest("You can't delete secret " + current.Name + " that is already scheduled for deletion.")
	}
	when := now.AddDate(0, 0, days)
	secret, err := st.Meta.MarkSecretDeleted(ctx, id, when)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("secret", secret.Name).Time("deletion_date", when).Msg("Secret scheduled for deletion")
	return api.Reply(req, deleteSecretOutput{ARN: secret.ARN, Name: secret.Name, DeletionDate: wire.Epoch(when)})
}

func restoreSecret(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in secretIDInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	id, err := in.id()
	if err != nil {
		return nil, err
	}
	secret, err := st.Meta.RestoreSecret(ctx, id)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, secretIDOutput{ARN: secret.ARN, Name: secret.Name})
}
