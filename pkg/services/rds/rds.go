// Package rds implements RDS DB instances over AWS-Query. No database engine ever runs:
// instances move between states immediately and report a made-up endpoint.
package rds

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"cloudemu/pkg/api"
	"cloudemu/pkg/awserr"
	"cloudemu/pkg/awsid"
	"cloudemu/pkg/dispatch"
	"cloudemu/pkg/log"
	"cloudemu/pkg/models"
	"cloudemu/pkg/services/resource"
	"cloudemu/pkg/wire"
)

const service = "rds"

// Instance statuses.
const (
	statusAvailable = "available"
	statusStopped   = "stopped"
	statusStopping  = "stopping"
	statusStarting  = "starting"
	statusRebooting = "rebooting"
	statusDeleting  = "deleting"
	statusModifying = "modifying"
)

const (
	defaultStorage    = 20
	defaultRetention  = 1
	defaultMaxRecords = 100
	hostedZoneID      = "Z2R2ITUGPM61AM"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z](-?[a-zA-Z0-9])*$`)

type engine struct {
	Version string
	Port    int
}

var engines = map[string]engine{
	"mysql":             {Version: "8.0.35", Port: 3306},
	"mariadb":           {Version: "10.11.6", Port: 3306},
	"postgres":          {Version: "16.1", Port: 5432},
	"aurora-mysql":      {Version: "8.0.mysql_aurora.3.05.2", Port: 3306},
	"aurora-postgresql": {Version: "16.1", Port: 5432},
	"oracle-ee":         {Version: "19.0.0.0.ru-2024-01.rur-2024-01.r1", Port: 1521},
	"oracle-se2":        {Version: "19.0.0.0.ru-2024-01.rur-2024-01.r1", Port: 1521},
	"sqlserver-ee":      {Version: "16.00.4095.4.v1", Port: 1433},
	"sqlserver-se":      {Version: "16.00.4095.4.v1", Port: 1433},
	"sqlserver-ex":      {Version: "16.00.4095.4.v1", Port: 1433},
	"sqlserver-web":     {Version: "16.00.4095.4.v1", Port: 1433},
}

type tag struct {
	Key   string `json:"key" xml:"Key"`
	Value string `json:"value" xml:"Value"`
}

type instanceAttrs struct {
	Engine                string   `json:"engine"`
	EngineVersion         string   `json:"engine_version"`
	InstanceClass         string   `json:"instance_class"`
	AllocatedStorage      int      `json:"allocated_storage"`
	StorageType           string   `json:"storage_type"`
	MasterUsername        string   `json:"master_username,omitempty"`
	DBName                string   `json:"db_name,omitempty"`
	Port                  int      `json:"port"`
	MultiAZ               bool     `json:"multi_az"`
	PubliclyAccessible    bool     `json:"publicly_accessible"`
	StorageEncrypted      bool     `json:"storage_encrypted"`
	DeletionProtection    bool     `json:"deletion_protection"`
	BackupRetentionPeriod int      `json:"backup_retention_period"`
	AvailabilityZone      string   `json:"availability_zone"`
	ResourceID            string   `json:"resource_id"`
	EndpointHost          string   `json:"endpoint_host"`
	SecurityGroupIDs      []string `json:"security_group_ids,omitempty"`
	Tags                  []tag    `json:"tags,omitempty"`
}

func fault(code, format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode(code)
}

func invalidParameterValue(format string, args ...any) *awserr.Error {
	return fault("InvalidParameterValue", format, args...)
}

func invalidState(id, status string) *awserr.Error {
	return awserr.InvalidRequest(fmt.Sprintf("Instance %s is not in %s state.", id, status)).WithCode("InvalidDBInstanceState")
}

var instances = resource.Kind[instanceAttrs]{
	Service: service,
	Kind:    "db-instance",
	NotFound: func(id string) *awserr.Error {
		return awserr.NotFound("DBInstance", id).WithCode("DBInstanceNotFound")
	},
	Exists: func(id string) *awserr.Error {
		return fault("DBInstanceAlreadyExists", "DB instance already exists")
	},
}

// Register adds the RDS operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateDBInstance":    createDBInstance,
		"DescribeDBInstances": describeDBInstances,
		"ModifyDBInstance":    modifyDBInstance,
		"RebootDBInstance":    rebootDBInstance,
		"StopDBInstance":      stopDBInstance,
		"StartDBInstance":     startDBInstance,
		"DeleteDBInstance":    deleteDBInstance,
	})
}

// identifier validates and lowercases a DB instance identifier, as RDS stores them.
func identifier(p wire.Params, key string) (string, error) {
	id, err := p.Require(key)
	if err != nil {
		return "", err
	}
	if len(id) > 63 || !identifierPattern.MatchString(id) {
		return "", invalidParameterValue("The parameter %s is not a valid identifier. Identifiers must begin with a letter; must contain only ASCII letters, digits, and hyphens; and must not end with a hyphen or contain two consecutive hyphens.", key)
	}
	return strings.ToLower(id), nil
}

func parseTags(p wire.Params) []tag {
	var tags []tag
	for _, t := range p.Structs("Tags.Tag") {
		tags = append(tags, tag{Key: t.Get("Key"), Value: t.Get("Value")})
	}
	return tags
}

type endpoint struct {
	Address      string `xml:"Address"`
	Port         int    `xml:"Port"`
	HostedZoneID string `xml:"HostedZoneId"`
}

type securityGroupMembership struct {
	VpcSecurityGroupID string `xml:"VpcSecurityGroupId"`
	Status             string `xml:"Status"`
}

type dbInstance struct {
	DBInstanceIdentifier  string                    `xml:"DBInstanceIdentifier"`
	DBInstanceArn         string                    `xml:"DBInstanceArn"`
	DBInstanceClass       string                    `xml:"DBInstanceClass"`
	Engine                string                    `xml:"Engine"`
	EngineVersion         string                    `xml:"EngineVersion"`
	DBInstanceStatus      string                    `xml:"DBInstanceStatus"`
	MasterUsername        string                    `xml:"MasterUsername,omitempty"`
	DBName                string                    `xml:"DBName,omitempty"`
	Endpoint              endpoint                  `xml:"Endpoint"`
	AllocatedStorage      int                       `xml:"AllocatedStorage"`
	StorageType           string                    `xml:"StorageType"`
	InstanceCreateTime    time.Time                 `xml:"InstanceCreateTime"`
	BackupRetentionPeriod int                       `xml:"BackupRetentionPeriod"`
	VpcSecurityGroups     []securityGroupMembership `xml:"VpcSecurityGroups>VpcSecurityGroupMembership"`
	AvailabilityZone      string                    `xml:"AvailabilityZone"`
	MultiAZ               bool                      `xml:"MultiAZ"`
	PubliclyAccessible    bool                      `xml:"PubliclyAccessible"`
	StorageEncrypted      bool                      `xml:"StorageEncrypted"`
	DeletionProtection    bool                      `xml:"DeletionProtection"`
	DbiResourceID         string                    `xml:"DbiResourceId"`
	TagList               []tag                     `xml:"TagList>Tag"`
}

// describe renders rec. A non-empty status replaces the stored one, for the transitional
// states that RDS reports while an action is under way.
func describe(rec *resource.Record[instanceAttrs], status string) dbInstance {
	if status == "" {
		status = rec.State
	}
	out := dbInstance{
		DBInstanceIdentifier:  rec.ID,
		DBInstanceArn:         rec.ARN,
		DBInstanceClass:       rec.Data.InstanceClass,
		Engine:                rec.Data.Engine,
		EngineVersion:         rec.Data.EngineVersion,
		DBInstanceStatus:      status,
		MasterUsername:        rec.Data.MasterUsername,
		DBName:                rec.Data.DBName,
		Endpoint:              endpoint{Address: rec.Data.EndpointHost, Port: rec.Data.Port, HostedZoneID: hostedZoneID},
		AllocatedStorage:      rec.Data.AllocatedStorage,
		StorageType:           rec.Data.StorageType,
		InstanceCreateTime:    rec.CreatedAt,
		BackupRetentionPeriod: rec.Data.BackupRetentionPeriod,
		AvailabilityZone:      rec.Data.AvailabilityZone,
		MultiAZ:               rec.Data.MultiAZ,
		PubliclyAccessible:    rec.Data.PubliclyAccessible,
		StorageEncrypted:      rec.Data.StorageEncrypted,
		DeletionProtection:    rec.Data.DeletionProtection,
		DbiResourceID:         rec.Data.ResourceID,
		TagList:               rec.Data.Tags,
	}
	for _, id := range rec.Data.SecurityGroupIDs {
		out.VpcSecurityGroups = append(out.VpcSecurityGroups, securityGroupMembership{VpcSecurityGroupID: id, Status: "active"})
	}
	return out
}

type instanceOutput struct {
	DBInstance dbInstance `xml:"DBInstance"`
}

func createDBInstance(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	id, err := identifier(p, "DBInstanceIdentifier")
	if err != nil {
		return nil, err
	}
	class, err := p.Require("DBInstanceClass")
	if err != nil {
		return nil, err
	}
	engineName, err := p.Require("Engine")
	if err != nil {
		return nil, err
	}
	eng, ok := engines[strings.ToLower(engineName)]
	if !ok {
		return nil, invalidParameterValue("Invalid DB engine: %s", engineName)
	}
	storage := p.Int("AllocatedStorage", defaultStorage)
	if storage < defaultStorage || storage > 65536 {
		return nil, invalidParameterValue("Invalid storage size for engine name %s and storage type gp2: %d", engineName, storage)
	}
	if pw := p.Get("MasterUserPassword"); pw != "" && len(pw) < 8 {
		return nil, invalidParameterValue("The parameter MasterUserPassword is not a valid password because it is shorter than 8 characters.")
	}
	attrs := instanceAttrs{
		Engine:                strings.ToLower(engineName),
		EngineVersion:         p.Get("EngineVersion"),
		InstanceClass:         class,
		AllocatedStorage:      storage,
		StorageType:           p.Get("StorageType"),
		MasterUsername:        p.Get("MasterUsername"),
		DBName:                p.Get("DBName"),
		Port:                  p.Int("Port", eng.Port),
		MultiAZ:               p.Bool("MultiAZ", false),
		PubliclyAccessible:    p.Bool("PubliclyAccessible", false),
		StorageEncrypted:      p.Bool("StorageEncrypted", false),
		DeletionProtection:    p.Bool("DeletionProtection", false),
		BackupRetentionPeriod: p.Int("BackupRetentionPeriod", defaultRetention),
		AvailabilityZone:      p.Get("AvailabilityZone"),
		ResourceID:            "db-" + strings.ToUpper(awsid.Suffix(26)),
		EndpointHost:          fmt.Sprintf("%s.%s.%s.rds.amazonaws.com", id, strings.ToLower(awsid.Suffix(12)), st.Region()),
		SecurityGroupIDs:      p.List("VpcSecurityGroupIds.VpcSecurityGroupId"),
		Tags:                  parseTags(p),
	}
	if attrs.EngineVersion == "" {
		attrs.EngineVersion = eng.Version
	}
	if attrs.StorageType == "" {
		attrs.StorageType = "gp2"
	}
	if attrs.AvailabilityZone == "" {
		attrs.AvailabilityZone = st.Region() + "a"
	}
	if attrs.BackupRetentionPeriod < 0 || attrs.BackupRetentionPeriod > 35 {
		return nil, invalidParameterValue("The backup retention period must be between 0 and 35 days.")
	}
	rec := instances.New(st, id, "", st.ARN(service, "db:"+id), attrs)
	rec.State = statusAvailable
	if err := instances.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	log.Debug().Str("instance", id).Str("engine", attrs.Engine).Msg("DB instance created")
	return api.Reply(req, instanceOutput{DBInstance: describe(rec, "creating")})
}

type filter struct {
	name   string
	values []string
}

func (f filter) field(rec *resource.Record[instanceAttrs]) (string, error) {
	switch f.name {
	case "db-instance-id":
		return rec.ID, nil
	case "engine":
		return rec.Data.Engine, nil
	case "dbi-resource-id":
		return rec.Data.ResourceID, nil
	}
	return "", invalidParameterValue("Unrecognized filter name: %s.", f.name)
}

type describeDBInstancesOutput struct {
	DBInstances []dbInstance `xml:"DBInstances>DBInstance"`
	Marker      string       `xml:"Marker,omitempty"`
}

// describeDBInstances lists one instance or all of them, with Filters.Filter.N and Marker paging.
// An ARN is accepted wherever an identifier is.
func describeDBInstances(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	var records []*resource.Record[instanceAttrs]
	if id := p.Get("DBInstanceIdentifier"); id != "" {
		rec, err := instances.Get(ctx, st, strings.ToLower(id[strings.LastIndex(id, ":")+1:]))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	} else {
		all, err := instances.List(ctx, st, models.ResourceFilter{})
		if err != nil {
			return nil, err
		}
		records = all
	}
	var filters []filter
	for _, f := range p.Structs("Filters.Filter") {
		filters = append(filters, filter{name: f.Get("Name"), values: f.List("Values.Value")})
	}
	var matched []*resource.Record[instanceAttrs]
	for _, rec := range records {
		keep := true
		for _, f := range filters {
			v, err := f.field(rec)
			if err != nil {
				return nil, err
			}
			keep = keep && slices.ContainsFunc(f.values, func(want string) bool {
				return want == v || (f.name == "db-instance-id" && want == rec.ARN)
			})
		}
		if keep {
			matched = append(matched, rec)
		}
	}
	slices.SortFunc(matched, func(a, b *resource.Record[instanceAttrs]) int { return strings.Compare(a.ID, b.ID) })

	maxRecords := p.Int("MaxRecords", defaultMaxRecords)
	if maxRecords < 20 || maxRecords > 100 {
		return nil, invalidParameterValue("Invalid value %d for MaxRecords. Must be between 20 and 100", maxRecords)
	}
	out := describeDBInstancesOutput{}
	marker := p.Get("Marker")
	for _, rec := range matched {
		if marker != "" && rec.ID < marker {
			continue
		}
		if len(out.DBInstances) == maxRecords {
			out.Marker = rec.ID
			break
		}
		out.DBInstances = append(out.DBInstances, describe(rec, ""))
	}
	return api.Reply(req, out)
}

// modifyDBInstance applies every change immediately, whatever ApplyImmediately says.
func modifyDBInstance(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	id, err := identifier(p, "DBInstanceIdentifier")
	if err != nil {
		return nil, err
	}
	newID := ""
	if p.Has("NewDBInstanceIdentifier") {
		if newID, err = identifier(p, "NewDBInstanceIdentifier"); err != nil {
			return nil, err
		}
	}
	rec, err := instances.Update(ctx, st, id, func(r *resource.Record[instanceAttrs]) error {
		if r.State != statusAvailable {
			return invalidState(id, statusAvailable)
		}
		if class := p.Get("DBInstanceClass"); class != "" {
			r.Data.InstanceClass = class
		}
		if p.Has("AllocatedStorage") {
			storage := p.Int("AllocatedStorage", r.Data.AllocatedStorage)
			if storage < r.Data.AllocatedStorage {
				return fault("InvalidParameterCombination", "Invalid storage size for engine name %s and storage type %s: %d", r.Data.Engine, r.Data.StorageType, storage)
			}
			r.Data.AllocatedStorage = storage
		}
		if v := p.Get("EngineVersion"); v != "" {
			r.Data.EngineVersion = v
		}
		if v := p.Get("StorageType"); v != "" {
			r.Data.StorageType = v
		}
		if pw := p.Get("MasterUserPassword"); pw != "" && len(pw) < 8 {
			return invalidParameterValue("The parameter MasterUserPassword is not a valid password because it is shorter than 8 characters.")
		}
		if p.Has("BackupRetentionPeriod") {
			r.Data.BackupRetentionPeriod = p.Int("BackupRetentionPeriod", r.Data.BackupRetentionPeriod)
		}
		r.Data.MultiAZ = p.Bool("MultiAZ", r.Data.MultiAZ)
		r.Data.PubliclyAccessible = p.Bool("PubliclyAccessible", r.Data.PubliclyAccessible)
		r.Data.DeletionProtection = p.Bool("DeletionProtection", r.Data.DeletionProtection)
		if groups := p.List("VpcSecurityGroupIds.VpcSecurityGroupId"); len(groups) > 0 {
			r.Data.SecurityGroupIDs = groups
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if newID != "" && newID != id {
		if rec, err = rename(ctx, st, rec, newID); err != nil {
			return nil, err
		}
	}
	log.Debug().Str("instance", rec.ID).Msg("DB instance modified")
	return api.Reply(req, instanceOutput{DBInstance: describe(rec, statusModifying)})
}

// rename moves an instance to a new identifier. The endpoint follows the identifier.
func rename(ctx context.Context, st *api.State, rec *resource.Record[instanceAttrs], newID string) (*resource.Record[instanceAttrs], error) {
	moved := instances.New(st, newID, "", st.ARN(service, "db:"+newID), rec.Data)
	moved.CreatedAt = rec.CreatedAt
	moved.State = rec.State
	host := rec.Data.EndpointHost
	moved.Data.EndpointHost = newID + host[strings.Index(host, "."):]
	if err := instances.Create(ctx, st, moved); err != nil {
		return nil, err
	}
	if err := instances.Delete(ctx, st, rec.ID); err != nil {
		return nil, err
	}
	return moved, nil
}

// transition moves an instance from one of the allowed states to target and reports the
// transitional status.
func transition(ctx context.Context, st *api.State, req *api.Request, target, reported string, allowed ...string) (*api.Response, error) {
	id, err := identifier(req.Params, "DBInstanceIdentifier")
	if err != nil {
		return nil, err
	}
	rec, err := instances.Update(ctx, st, id, func(r *resource.Record[instanceAttrs]) error {
		if !slices.Contains(allowed, r.State) {
			return invalidState(id, strings.Join(allowed, " or "))
		}
		r.State = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("instance", id).Str("status", target).Msg("DB instance state changed")
	return api.Reply(req, instanceOutput{DBInstance: describe(rec, reported)})
}

func rebootDBInstance(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	return transition(ctx, st, req, statusAvailable, statusRebooting, statusAvailable)
}

func stopDBInstance(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	return transition(ctx, st, req, statusStopped, statusStopping, statusAvailable)
}

func startDBInstance(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	return transition(ctx, st, req, statusAvailable, statusStarting, statusStopped)
}

// deleteDBInstance needs SkipFinalSnapshot or a FinalDBSnapshotIdentifier. No snapshot is
// ever taken.
func deleteDBInstance(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	id, err := identifier(p, "DBInstanceIdentifier")
	if err != nil {
		return nil, err
	}
	skip := p.Bool("SkipFinalSnapshot", false)
	if skip == (p.Get("FinalDBSnapshotIdentifier") != "") {
		return nil, fault("InvalidParameterCombination", "FinalDBSnapshotIdentifier is required unless SkipFinalSnapshot is specified.")
	}
	rec, err := instances.Get(ctx, st, id)
	if err != nil {
		return nil, err
	}
	if rec.Data.DeletionProtection {
		return nil, fault("InvalidParameterCombination", "Cannot delete protected DB Instance, please disable deletion protection and try again.")
	}
	if err := instances.Delete(ctx, st, id); err != nil {
		return nil, err
	}
	log.Debug().Str("instance", id).Msg("DB instance deleted")
	return api.Reply(req, instanceOutput{DBInstance: describe(rec, statusDeleting)})
}
