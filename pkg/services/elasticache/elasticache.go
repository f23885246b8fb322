// Package elasticache implements ElastiCache cache clusters over AWS-Query. Clusters are records
// only; nothing listens on the endpoints they report.
package elasticache

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
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

const service = "elasticache"

const (
	engineRedis     = "redis"
	engineMemcached = "memcached"

	statusAvailable = "available"
	statusModifying = "modifying"
	statusDeleting  = "deleting"

	maxMemcachedNodes = 40
	defaultMaxRecords = 100
)

var clusterIDPattern = regexp.MustCompile(`^[a-zA-Z](-?[a-zA-Z0-9])*$`)

var defaults = map[string]struct {
	version string
	port    int
	family  string
}{
	engineRedis:     {version: "7.1", port: 6379, family: "redis7"},
	engineMemcached: {version: "1.6.22", port: 11211, family: "memcached1.6"},
}

type tag struct {
	Key   string `json:"key" xml:"Key"`
	Value string `json:"value" xml:"Value"`
}

type node struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

type clusterAttrs struct {
	Engine                 string   `json:"engine"`
	EngineVersion          string   `json:"engine_version"`
	NodeType               string   `json:"node_type"`
	Nodes                  []node   `json:"nodes"`
	Port                   int      `json:"port"`
	AvailabilityZone       string   `json:"availability_zone"`
	SubnetGroupName        string   `json:"subnet_group_name,omitempty"`
	SecurityGroupIDs       []string `json:"security_group_ids,omitempty"`
	SnapshotRetentionLimit int      `json:"snapshot_retention_limit"`
	MaintenanceWindow      string   `json:"maintenance_window"`
	Host                   string   `json:"host"`
	Tags                   []tag    `json:"tags,omitempty"`
}

func invalidParameterValue(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("InvalidParameterValue")
}

func invalidCombination(format string, args ...any) *awserr.Error {
	return awserr.InvalidArgument(fmt.Sprintf(format, args...)).WithCode("InvalidParameterCombination")
}

var clusters = resource.Kind[clusterAttrs]{
	Service: service,
	Kind:    "cache-cluster",
	NotFound: func(id string) *awserr.Error {
		return awserr.NotFound("CacheCluster", id).WithCode("CacheClusterNotFound")
	},
	Exists: func(string) *awserr.Error {
		return awserr.InvalidArgument("Cache cluster already exists").WithCode("CacheClusterAlreadyExists")
	},
}

// Register adds the ElastiCache operations to r.
func Register(r *dispatch.Registry) {
	r.HandleAll(service, map[string]api.HandlerFunc{
		"CreateCacheCluster":    createCacheCluster,
		"DescribeCacheClusters": describeCacheClusters,
		"ModifyCacheCluster":    modifyCacheCluster,
		"DeleteCacheCluster":    deleteCacheCluster,
	})
}

func clusterID(p wire.Params) (string, error) {
	id, err := p.Require("CacheClusterId")
	if err != nil {
		return "", err
	}
	if len(id) > 50 || !clusterIDPattern.MatchString(id) {
		return "", invalidParameterValue("Invalid cluster id: %s", id)
	}
	return strings.ToLower(id), nil
}

// regionCode shortens us-east-1 to use1 as cache endpoints do.
func regionCode(region string) string {
	parts := strings.Split(region, "-")
	if len(parts) != 3 || parts[1] == "" {
		return region
	}
	return parts[0] + parts[1][:1] + parts[2]
}

// checkNodes validates a node count for engine. Redis clusters without replication groups have
// exactly one node.
func checkNodes(engine string, n int) error {
	switch {
	case n < 1:
		return invalidParameterValue("The number of cache nodes must be at least 1.")
	case engine == engineRedis && n != 1:
		return invalidCombination("Cannot create a Redis cluster with a NumCacheNodes parameter greater than 1.")
	case n > maxMemcachedNodes:
		return awserr.InvalidArgument(fmt.Sprintf("Cannot exceed %d nodes per cluster.", maxMemcachedNodes)).WithCode("NodeQuotaForClusterExceeded")
	}
	return nil
}

// growNodes appends nodes numbered after the existing ones, as 0001, 0002 and so on.
func growNodes(nodes []node, n int, now time.Time) []node {
	next := 1
	if len(nodes) > 0 {
		last, _ := strconv.Atoi(nodes[len(nodes)-1].ID)
		next = last + 1
	}
	for ; len(nodes) < n; next++ {
		nodes = append(nodes, node{ID: fmt.Sprintf("%04d", next), CreatedAt: now})
	}
	return nodes
}

type endpoint struct {
	Address string `xml:"Address"`
	Port    int    `xml:"Port"`
}

type cacheNode struct {
	CacheNodeID              string    `xml:"CacheNodeId"`
	CacheNodeStatus          string    `xml:"CacheNodeStatus"`
	CacheNodeCreateTime      time.Time `xml:"CacheNodeCreateTime"`
	Endpoint                 endpoint  `xml:"Endpoint"`
	ParameterGroupStatus     string    `xml:"ParameterGroupStatus"`
	CustomerAvailabilityZone string    `xml:"CustomerAvailabilityZone"`
}

type securityGroupMembership struct {
	SecurityGroupID string `xml:"SecurityGroupId"`
	Status          string `xml:"Status"`
}

type parameterGroup struct {
	CacheParameterGroupName string `xml:"CacheParameterGroupName"`
	ParameterApplyStatus    string `xml:"ParameterApplyStatus"`
}

type cacheCluster struct {
	CacheClusterID             string                    `xml:"CacheClusterId"`
	ARN                        string                    `xml:"ARN"`
	ConfigurationEndpoint      *endpoint                 `xml:"ConfigurationEndpoint,omitempty"`
	CacheNodeType              string                    `xml:"CacheNodeType"`
	Engine                     string                    `xml:"Engine"`
	EngineVersion              string                    `xml:"EngineVersion"`
	CacheClusterStatus         string                    `xml:"CacheClusterStatus"`
	NumCacheNodes              int                       `xml:"NumCacheNodes"`
	PreferredAvailabilityZone  string                    `xml:"PreferredAvailabilityZone"`
	CacheClusterCreateTime     time.Time                 `xml:"CacheClusterCreateTime"`
	PreferredMaintenanceWindow string                    `xml:"PreferredMaintenanceWindow"`
	CacheParameterGroup        parameterGroup            `xml:"CacheParameterGroup"`
	CacheSubnetGroupName       string                    `xml:"CacheSubnetGroupName,omitempty"`
	CacheNodes                 []cacheNode               `xml:"CacheNodes>CacheNode,omitempty"`
	SecurityGroups             []securityGroupMembership `xml:"SecurityGroups>member,omitempty"`
	SnapshotRetentionLimit     int                       `xml:"SnapshotRetentionLimit"`
}

// describe renders rec. Node details are included only when showNodes is set, as with
// ShowCacheNodeInfo.
func describe(rec *resource.Record[clusterAttrs], status string, showNodes bool) cacheCluster {
	if status == "" {
		status = rec.State
	}
	out := cacheCluster{
		CacheClusterID:             rec.ID,
		ARN:                        rec.ARN,
		CacheNodeType:              rec.Data.NodeType,
		Engine:                     rec.Data.Engine,
		EngineVersion:              rec.Data.EngineVersion,
		CacheClusterStatus:         status,
		NumCacheNodes:              len(rec.Data.Nodes),
		PreferredAvailabilityZone:  rec.Data.AvailabilityZone,
		CacheClusterCreateTime:     rec.CreatedAt,
		PreferredMaintenanceWindow: rec.Data.MaintenanceWindow,
		CacheParameterGroup: parameterGroup{
			CacheParameterGroupName: "default." + defaults[rec.Data.Engine].family,
			ParameterApplyStatus:    "in-sync",
		},
		CacheSubnetGroupName:   rec.Data.SubnetGroupName,
		SnapshotRetentionLimit: rec.Data.SnapshotRetentionLimit,
	}
	for _, id := range rec.Data.SecurityGroupIDs {
		out.SecurityGroups = append(out.SecurityGroups, securityGroupMembership{SecurityGroupID: id, Status: "active"})
	}
	if rec.Data.Engine == engineMemcached {
		out.ConfigurationEndpoint = &endpoint{Address: fmt.Sprintf("%s.cfg.%s", rec.ID, rec.Data.Host), Port: rec.Data.Port}
	}
	if showNodes {
		for _, n := range rec.Data.Nodes {
			out.CacheNodes = append(out.CacheNodes, cacheNode{
				CacheNodeID:              n.ID,
				CacheNodeStatus:          statusAvailable,
				CacheNodeCreateTime:      n.CreatedAt,
				Endpoint:                 endpoint{Address: fmt.Sprintf("%s.%s.%s", rec.ID, n.ID, rec.Data.Host), Port: rec.Data.Port},
				ParameterGroupStatus:     "in-sync",
				CustomerAvailabilityZone: rec.Data.AvailabilityZone,
			})
		}
	}
	return out
}

type clusterOutput struct {
	CacheCluster cacheCluster `xml:"CacheCluster"`
}

func createCacheCluster(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	id, err := clusterID(p)
	if err != nil {
		return nil, err
	}
	if p.Has("ReplicationGroupId") {
		return nil, invalidCombination("Replication groups are not supported; create a standalone cluster.")
	}
	nodeType, err := p.Require("CacheNodeType")
	if err != nil {
		return nil, err
	}
	engine := strings.ToLower(p.Get("Engine"))
	if engine == "" {
		engine = engineRedis
	}
	def, ok := defaults[engine]
	if !ok {
		return nil, invalidParameterValue("Invalid engine: %s. Valid values are redis and memcached.", p.Get("Engine"))
	}
	count := p.Int("NumCacheNodes", 1)
	if err := checkNodes(engine, count); err != nil {
		return nil, err
	}
	attrs := clusterAttrs{
		Engine:                 engine,
		EngineVersion:          p.Get("EngineVersion"),
		NodeType:               nodeType,
		Nodes:                  growNodes(nil, count, st.Now()),
		Port:                   p.Int("Port", def.port),
		AvailabilityZone:       p.Get("PreferredAvailabilityZone"),
		SubnetGroupName:        p.Get("CacheSubnetGroupName"),
		SecurityGroupIDs:       p.List("SecurityGroupIds.SecurityGroupId"),
		SnapshotRetentionLimit: p.Int("SnapshotRetentionLimit", 0),
		MaintenanceWindow:      p.Get("PreferredMaintenanceWindow"),
		Host:                   fmt.Sprintf("%s.%s.cache.amazonaws.com", strings.ToLower(awsid.Suffix(6)), regionCode(st.Region())),
	}
	if attrs.EngineVersion == "" {
		attrs.EngineVersion = def.version
	}
	if attrs.AvailabilityZone == "" {
		attrs.AvailabilityZone = st.Region() + "a"
	}
	if attrs.MaintenanceWindow == "" {
		attrs.MaintenanceWindow = "sun:05:00-sun:06:00"
	}
	if engine == engineMemcached && attrs.SnapshotRetentionLimit > 0 {
		return nil, invalidCombination("Snapshots are not supported for memcached clusters.")
	}
	for _, t := range p.Structs("Tags.Tag") {
		attrs.Tags = append(attrs.Tags, tag{Key: t.Get("Key"), Value: t.Get("Value")})
	}
	rec := clusters.New(st, id, "", st.ARN(service, "cluster:"+id), attrs)
	rec.State = statusAvailable
	if err := clusters.Create(ctx, st, rec); err != nil {
		return nil, err
	}
	log.Debug().Str("cluster", id).Str("engine", engine).Int("nodes", count).Msg("cache cluster created")
	return api.Reply(req, clusterOutput{CacheCluster: describe(rec, "creating", false)})
}

type describeCacheClustersOutput struct {
	CacheClusters []cacheCluster `xml:"CacheClusters>CacheCluster"`
	Marker        string         `xml:"Marker,omitempty"`
}

func describeCacheClusters(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	var records []*resource.Record[clusterAttrs]
	if id := p.Get("CacheClusterId"); id != "" {
		rec, err := clusters.Get(ctx, st, strings.ToLower(id))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	} else {
		all, err := clusters.List(ctx, st, models.ResourceFilter{})
		if err != nil {
			return nil, err
		}
		records = all
	}
	slices.SortFunc(records, func(a, b *resource.Record[clusterAttrs]) int { return strings.Compare(a.ID, b.ID) })

	maxRecords := p.Int("MaxRecords", defaultMaxRecords)
	if maxRecords < 20 || maxRecords > 100 {
		return nil, invalidParameterValue("MaxRecords must be between 20 and 100.")
	}
	showNodes := p.Bool("ShowCacheNodeInfo", false)
	marker := p.Get("Marker")
	out := describeCacheClustersOutput{}
	for _, rec := range records {
		if marker != "" && rec.ID < marker {
			continue
		}
		if len(out.CacheClusters) == maxRecords {
			out.Marker = rec.ID
			break
		}
		out.CacheClusters = append(out.CacheClusters, describe(rec, "", showNodes))
	}
	return api.Reply(req, out)
}

// modifyCacheCluster applies changes at once. Memcached clusters grow by NumCacheNodes and
// shrink by naming the nodes to drop in CacheNodeIdsToRemove.
func modifyCacheCluster(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	p := req.Params
	id, err := clusterID(p)
	if err != nil {
		return nil, err
	}
	rec, err := clusters.Update(ctx, st, id, func(r *resource.Record[clusterAttrs]) error {
		if r.State != statusAvailable {
			return awserr.InvalidRequest("Cluster is not in available state.").WithCode("InvalidCacheClusterState")
		}
		if p.Has("NumCacheNodes") {
			nodes, err := resize(r.Data, p, st.Now())
			if err != nil {
				return err
			}
			r.Data.Nodes = nodes
		}
		if v := p.Get("CacheNodeType"); v != "" {
			r.Data.NodeType = v
		}
		if v := p.Get("EngineVersion"); v != "" {
			r.Data.EngineVersion = v
		}
		if groups := p.List("SecurityGroupIds.SecurityGroupId"); len(groups) > 0 {
			r.Data.SecurityGroupIDs = groups
		}
		if p.Has("SnapshotRetentionLimit") {
			if r.Data.Engine == engineMemcached {
				return invalidCombination("Snapshots are not supported for memcached clusters.")
			}
			r.Data.SnapshotRetentionLimit = p.Int("SnapshotRetentionLimit", r.Data.SnapshotRetentionLimit)
		}
		if v := p.Get("PreferredMaintenanceWindow"); v != "" {
			r.Data.MaintenanceWindow = v
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("cluster", id).Msg("cache cluster modified")
	return api.Reply(req, clusterOutput{CacheCluster: describe(rec, statusModifying, false)})
}

func resize(attrs clusterAttrs, p wire.Params, now time.Time) ([]node, error) {
	want := p.Int("NumCacheNodes", len(attrs.Nodes))
	if err := checkNodes(attrs.Engine, want); err != nil {
		return nil, err
	}
	remove := p.List("CacheNodeIdsToRemove.CacheNodeId")
	switch {
	case want > len(attrs.Nodes):
		if len(remove) > 0 {
			return nil, invalidCombination("Cannot remove nodes while adding nodes.")
		}
		return growNodes(attrs.Nodes, want, now), nil
	case want < len(attrs.Nodes):
		if len(remove) != len(attrs.Nodes)-want {
			return nil, invalidCombination("%d cache node ids must be given in CacheNodeIdsToRemove.", len(attrs.Nodes)-want)
		}
		kept := slices.DeleteFunc(slices.Clone(attrs.Nodes), func(n node) bool { return slices.Contains(remove, n.ID) })
		if len(kept) != want {
			return nil, invalidParameterValue("CacheNodeIdsToRemove names nodes that do not exist.")
		}
		return kept, nil
	}
	return attrs.Nodes, nil
}

func deleteCacheCluster(ctx context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	id, err := clusterID(req.Params)
	if err != nil {
		return nil, err
	}
	rec, err := clusters.Get(ctx, st, id)
	if err != nil {
		return nil, err
	}
	if req.Params.Has("FinalSnapshotIdentifier") && rec.Data.Engine == engineMemcached {
		return nil, invalidCombination("Snapshots are not supported for memcached clusters.")
	}
	if err := clusters.Delete(ctx, st, id); err != nil {
		return nil, err
	}
	log.Debug().Str("cluster", id).Msg("cache cluster deleted")
	return api.Reply(req, clusterOutput{CacheCluster: describe(rec, statusDeleting, false)})
}
