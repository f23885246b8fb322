// Package lambda implements the Lambda control plane over REST-JSON, plus the AWS-JSON 1.1
// admin target. Code packages go to the blob store; Invoke never runs them.
package lambda

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
)

const service = "lambda"

const (
	defaultTimeout    = 3
	maxTimeout        = 900
	defaultMemorySize = 128
	minMemorySize     = 128
	maxMemorySize     = 10240
	defaultMaxItems   = 50

	latest          = "$LATEST"
	timeLayout      = "2006-01-02T15:04:05.000-0700"
	mockPayload     = "Mock execution successful"
	maxZipFileBytes = 50 << 20
)

var (
	functionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	handlerPattern      = regexp.MustCompile(`^[^\s]{1,128}$`)
)

// Register adds the Lambda operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateFunction":              createFunction,
		"ListFunctions":               listFunctions,
		"GetFunction":                 getFunction,
		"GetFunctionConfiguration":    getFunctionConfiguration,
		"DeleteFunction":              deleteFunction,
		"UpdateFunctionCode":          updateFunctionCode,
		"UpdateFunctionConfiguration": updateFunctionConfiguration,
		"Invoke":                      invoke,
	})
}

func invalidParameter(message string) *awserr.Error {
	return awserr.InvalidArgument(message).WithCode("InvalidParameterValueException")
}

// functionName resolves the target function from the path or, for the admin target, the body.
// Full ARNs and partial "account:function:name" forms are reduced to the bare name.
func functionName(req *api.Request, fromBody string) (string, error) {
	name := req.PathParam("name")
	if name == "" {
		name = fromBody
	}
	if name == "" {
		return "", awserr.MissingParameter("FunctionName")
	}
	if strings.Contains(name, ":function:") {
		name = name[strings.Index(name, ":function:")+len(":function:"):]
		if i := strings.IndexByte(name, ':'); i >= 0 {
			name = name[:i]
		}
	}
	return name, nil
}

type environment struct {
	Variables map[string]string `json:"Variables"`
}

type functionCode struct {
	ZipFile         []byte `json:"ZipFile"`
	S3Bucket        string `json:"S3Bucket"`
	S3Key           string `json:"S3Key"`
	S3ObjectVersion string `json:"S3ObjectVersion"`
	ImageURI        string `json:"ImageUri"`
}

func (c functionCode) empty() bool {
	return len(c.ZipFile) == 0 && c.S3Bucket == "" && c.S3Key == "" && c.ImageURI == ""
}

type functionConfiguration struct {
	FunctionName     string       `json:"FunctionName"`
	FunctionArn      string       `json:"FunctionArn"`
	Runtime          string       `json:"Runtime,omitempty"`
	Role             string       `json:"Role"`
	Handler          string       `json:"Handler,omitempty"`
	CodeSize         int64        `json:"CodeSize"`
	CodeSha256       string       `json:"CodeSha256"`
	Description      string       `json:"Description"`
	Timeout          int          `json:"Timeout"`
	MemorySize       int          `json:"MemorySize"`
	LastModified     string       `json:"LastModified"`
	Version          string       `json:"Version"`
	RevisionID       string       `json:"RevisionId"`
	Environment      *environment `json:"Environment,omitempty"`
	State            string       `json:"State"`
	LastUpdateStatus string       `json:"LastUpdateStatus"`
	PackageType      string       `json:"PackageType"`
	Architectures    []string     `json:"Architectures"`
}

func configuration(fn *models.Function) functionConfiguration {
	c := functionConfiguration{
		FunctionName:     fn.Name,
		FunctionArn:      fn.ARN,
		Runtime:          fn.Runtime,
		Role:             fn.Role,
		Handler:          fn.Handler,
		CodeSize:         fn.CodeSize,
		CodeSha256:       fn.CodeSHA256,
		Description:      fn.Description,
		Timeout:          fn.Timeout,
		MemorySize:       fn.MemorySize,
		LastModified:     fn.LastModified.Format(timeLayout),
		Version:          latest,
		RevisionID:       fn.RevisionID,
		State:            "Active",
		LastUpdateStatus: "Successful",
		PackageType:      "Zip",
		Architectures:    []string{"x86_64"},
	}
	if len(fn.Environment) > 0 {
		c.Environment = &environment{Variables: fn.Environment}
	}
	return c
}

// storeCode saves the deployment package and returns its blob hash, size and the
// base64 SHA-256 Lambda reports as CodeSha256.
func storeCode(ctx context.Context, st *api.State, code functionCode) (string, int64, string, error) {
	return storePackage(ctx, st, code, false)
}

// storePackage writes the code package to the blob store. With allowEmpty, a Code object that
// names no source stores a zero-byte package.
func storePackage(ctx context.Context, st *api.State, code functionCode, allowEmpty bool) (string, int64, string, error) {
	data := code.ZipFile
	switch {
	case len(data) > 0:
	case allowEmpty && code.empty():
		data = []byte{}
	case code.S3Bucket != "" && code.S3Key != "":
		obj, err := st.Meta.GetObject(ctx, code.S3Bucket, code.S3Key, code.S3ObjectVersion)
		if err != nil || obj.IsDeleteMarker {
			return "", 0, "", invalidParameter("Error occurred while GetObject. S3 Error Code: NoSuchKey. S3 Error Message: The specified key does not exist.")
		}
		if data, err = st.Blobs.Get(obj.ContentHash); err != nil {
			return "", 0, "", err
		}
	case code.ImageURI != "":
		return "", 0, "", invalidParameter("Container image functions are not supported.")
	default:
		return "", 0, "", invalidParameter("Please provide a source for function code.")
	}
	if len(data) > maxZipFileBytes {
		return "", 0, "", awserr.InvalidArgument("Unzipped size must be smaller than 262144000 bytes").
			WithCode("RequestEntityTooLargeException")
	}

	hash, err := st.Blobs.PutBytes(data)
	if err != nil {
		return "", 0, "", err
	}
	sum := sha256.Sum256(data)
	return hash, int64(len(data)), base64.StdEncoding.EncodeToString(sum[:]), nil
}

type settings struct {
	Runtime     *string      `json:"Runtime"`
	Role        *string      `json:"Role"`
	Handler     *string      `json:"Handler"`
	Description *string      `json:"Description"`
	Timeout     *int         `json:"Timeout"`
	MemorySize  *int         `json:"MemorySize"`
	Environment *environment `json:"Environment"`
}

// apply validates the given settings and copies them onto fn.
func (in settings) apply(fn *models.Function) error {
	if in.Runtime != nil {
		if strings.TrimSpace(*in.Runtime) == "" {
			return invalidParameter("The runtime parameter must not be empty.")
		}
		fn.Runtime = *in.Runtime
	}
	if in.Role != nil {
		if !strings.HasPrefix(*in.Role, "arn:aws:iam::") {
			return awserr.InvalidArgument("1 validation error detected: Value '" + *in.Role +
				"' at 'role' failed to satisfy constraint: Member must satisfy regular expression pattern: arn:(aws[a-zA-Z-]*)?:iam::\\d{12}:role/?[a-zA-Z_0-9+=,.@\\-_/]+").
				WithCode("ValidationException")
		}
		fn.Role = *in.Role
	}
	if in.Handler != nil {
		if !handlerPattern.MatchString(*in.Handler) {
			return invalidParameter("Invalid handler: " + *in.Handler)
		}
		fn.Handler = *in.Handler
	}
	if in.Description != nil {
		fn.Description = *in.Description
	}
	if in.Timeout != nil {
		if *in.Timeout < 1 || *in.Timeout > maxTimeout {
			return invalidParameter("Timeout must be between 1 and " + strconv.Itoa(maxTimeout) + " seconds.")
		}
		fn.Timeout = *in.Timeout
	}
	if in.MemorySize != nil {
		if *in.MemorySize < minMemorySize || *in.MemorySize > maxMemorySize {
			return invalidParameter("MemorySize must be between 128 and 10240 MB.")
		}
		fn.MemorySize = *in.MemorySize
	}
	if in.Environment != nil {
		fn.Environment = in.Environment.Variables
	}
	return nil
}

type createFunctionInput struct {
	settings
	FunctionName string        `json:"FunctionName"`
	Code         *functionCode `json:"Code"`
	Publish      bool          `json:"Publish"`
}

func createFunction(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in createFunctionInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name := in.FunctionName
	if name == "" {
		return nil, awserr.MissingParameter("FunctionName")
	}
	if !functionNamePattern.MatchString(name) {
		return nil, invalidParameter("Invalid function name: " + name)
	}
	if in.Role == nil {
		return nil, awserr.MissingParameter("Role")
	}
	if in.Runtime == nil || in.Handler == nil {
		return nil, invalidParameter("Runtime and Handler are mandatory parameters for functions created with Zip packages.")
	}
	if in.Code == nil {
		return nil, invalidParameter("Please provide a source for function code.")
	}

	now := st.Now()
	fn := &models.Function{
		Name:         name,
		ARN:          st.ARN(service, "function:"+name),
		Timeout:      defaultTimeout,
		MemorySize:   defaultMemorySize,
		RevisionID:   awsid.UUID(),
		CreatedAt:    now,
		LastModified: now,
	}
	if err := in.apply(fn); err != nil {
		return nil, err
	}
	var err error
	if fn.CodeHash, fn.CodeSize, fn.CodeSHA256, err = storePackage(ctx, st, *in.Code, true); err != nil {
		return nil, err
	}
	if err := st.Meta.CreateFunction(ctx, fn); err != nil {
		if awserr.IsKind(err, awserr.KindAlreadyExists) {
			return nil, awserr.From(err).WithCode("ResourceConflictException").WithResource(name)
		}
		return nil, err
	}

	log.Debug().Str("function", name).Str("runtime", fn.Runtime).Int64("code_size", fn.CodeSize).Msg("Function created")
	return api.Reply(req, configuration(fn))
}

type functionNameInput struct {
	FunctionName string `json:"FunctionName"`
}

func loadFunction(ctx context.Context, st *api.State, req *api.Request) (*models.Function, error) {
	var in functionNameInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := functionName(req, in.FunctionName)
	if err != nil {
		return nil, err
	}
	return st.Meta.GetFunction(ctx, name)
}

type codeLocation struct {
	RepositoryType string `json:"RepositoryType"`
	Location       string `json:"Location"`
}

type getFunctionOutput struct {
	Configuration functionConfiguration `json:"Configuration"`
	Code          codeLocation          `json:"Code"`
	Tags          map[string]string     `json:"Tags,omitempty"`
}

func getFunction(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	fn, err := loadFunction(ctx, st, req)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, getFunctionOutput{
		Configuration: configuration(fn),
		Code:          codeLocation{RepositoryType: "S3", Location: "file://" + st.Blobs.Path(fn.CodeHash)},
	})
}

func getFunctionConfiguration(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	fn, err := loadFunction(ctx, st, req)
	if err != nil {
		return nil, err
	}
	return api.Reply(req, configuration(fn))
}

type listFunctionsInput struct {
	Marker   string `json:"Marker"`
	MaxItems int    `json:"MaxItems"`
}

type listFunctionsOutput struct {
	Functions  []functionConfiguration `json:"Functions"`
	NextMarker string                  `json:"NextMarker,omitempty"`
}

// listFunctions pages by name. The marker is the name of the first function on the next page.
func listFunctions(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in listFunctionsInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	if m := req.Query.Get("Marker"); m != "" {
		in.Marker = m
	}
	if v := req.Query.Get("MaxItems"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, invalidParameter("MaxItems must be an integer.")
		}
		in.MaxItems = n
	}
	if in.MaxItems < 0 || in.MaxItems > 10000 {
		return nil, invalidParameter("MaxItems must be between 1 and 10000.")
	}
	if in.MaxItems == 0 {
		in.MaxItems = defaultMaxItems
	}

	functions, err := st.Meta.ListFunctions(ctx)
	if err != nil {
		return nil, err
	}
	out := listFunctionsOutput{Functions: []functionConfiguration{}}
	for i := range functions {
		fn := &functions[i]
		if in.Marker != "" && fn.Name < in.Marker {
			continue
		}
		if len(out.Functions) == in.MaxItems {
			out.NextMarker = fn.Name
			break
		}
		out.Functions = append(out.Functions, configuration(fn))
	}
	return api.Reply(req, out)
}

func deleteFunction(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in functionNameInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := functionName(req, in.FunctionName)
	if err != nil {
		return nil, err
	}
	if err := st.Meta.DeleteFunction(ctx, name); err != nil {
		return nil, err
	}
	log.Debug().Str("function", name).Msg("Function deleted")
	return api.NoContent(), nil
}

type updateCodeInput struct {
	functionCode
	FunctionName string `json:"FunctionName"`
	RevisionID   string `json:"RevisionId"`
	DryRun       bool   `json:"DryRun"`
}

func updateFunctionCode(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in updateCodeInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := functionName(req, in.FunctionName)
	if err != nil {
		return nil, err
	}
	current, err := st.Meta.GetFunction(ctx, name)
	if err != nil {
		return nil, err
	}
	if in.DryRun {
		return api.Reply(req, configuration(current))
	}

	hash, size, sum, err := storeCode(ctx, st, in.functionCode)
	if err != nil {
		return nil, err
	}
	fn, err := st.Meta.UpdateFunction(ctx, name, func(fn *models.Function) error {
		if err := checkRevision(fn, in.RevisionID); err != nil {
			return err
		}
		fn.CodeHash, fn.CodeSize, fn.CodeSHA256 = hash, size, sum
		fn.RevisionID = awsid.UUID()
		fn.LastModified = st.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("function", name).Int64("code_size", size).Msg("Function code updated")
	return api.Reply(req, configuration(fn))
}

type updateConfigurationInput struct {
	settings
	FunctionName string `json:"FunctionName"`
	RevisionID   string `json:"RevisionId"`
}

func updateFunctionConfiguration(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	var in updateConfigurationInput
	if err := req.DecodeJSON(&in); err != nil {
		return nil, err
	}
	name, err := functionName(req, in.FunctionName)
	if err != nil {
		return nil, err
	}
	fn, err := st.Meta.UpdateFunction(ctx, name, func(fn *models.Function) error {
		if err := checkRevision(fn, in.RevisionID); err != nil {
			return err
		}
		if err := in.apply(fn); err != nil {
			return err
		}
		fn.RevisionID = awsid.UUID()
		fn.LastModified = st.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return api.Reply(req, configuration(fn))
}

func checkRevision(fn *models.Function, revision string) error {
	if revision != "" && revision != fn.RevisionID {
		return awserr.InvalidRequest("The Revision Id provided does not match the latest Revision Id. " +
			"Call the GetFunction/GetAlias API to retrieve the latest Revision Id").
			WithCode("PreconditionFailedException")
	}
	return nil
}

type invokeOutput struct {
	StatusCode int    `json:"StatusCode"`
	Payload    string `json:"Payload"`
}

// invoke records the call and answers with a canned result; function code is never executed.
// Event invocations are accepted with 202 and DryRun with 204.
func invoke(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	name, err := functionName(req, "")
	if err != nil {
		return nil, err
	}
	fn, err := st.Meta.GetFunction(ctx, name)
	if err != nil {
		return nil, err
	}

	payload := bytes.TrimSpace(req.Body)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if err := st.Meta.RecordEvent(ctx, models.EventRecord{
		ID:        awsid.RequestID(),
		Service:   service,
		Target:    fn.ARN,
		Payload:   payload,
		CreatedAt: st.Now(),
	}); err != nil {
		return nil, err
	}

	switch req.Header.Get("X-Amz-Invocation-Type") {
	case "Event":
		return api.Empty(http.StatusAccepted), nil
	case "DryRun":
		return api.NoContent(), nil
	}
	resp, err := api.Reply(req, invokeOutput{StatusCode: http.StatusOK, Payload: mockPayload})
	if err != nil {
		return nil, err
	}
	return resp.SetHeader("X-Amz-Executed-Version", latest), nil
}
