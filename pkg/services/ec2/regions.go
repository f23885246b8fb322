package ec2

import (
	"context"
	"slices"
	"strings"

	"cloudemu/pkg/api"
	"cloudemu/pkg/wire"
)

var regions = []string{
	"af-south-1", "ap-east-1", "ap-northeast-1", "ap-northeast-2", "ap-northeast-3",
	"ap-south-1", "ap-southeast-1", "ap-southeast-2", "ca-central-1", "eu-central-1",
	"eu-north-1", "eu-south-1", "eu-west-1", "eu-west-2", "eu-west-3", "me-south-1",
	"sa-east-1", "us-east-1", "us-east-2", "us-west-1", "us-west-2",
}

var zoneLetters = []string{"a", "b", "c"}

func zones(region string) []string {
	out := make([]string, len(zoneLetters))
	for i, letter := range zoneLetters {
		out[i] = region + letter
	}
	return out
}

func validZone(st *api.State, zone string) bool {
	return slices.Contains(zones(st.Region()), zone)
}

func zoneList(st *api.State) string {
	return strings.Join(zones(st.Region()), ", ")
}

type regionItem struct {
	RegionName     string `xml:"regionName"`
	RegionEndpoint string `xml:"regionEndpoint"`
	OptInStatus    string `xml:"optInStatus"`
}

type describeRegionsOutput struct {
	wire.EC2Meta
	RegionInfo []regionItem `xml:"regionInfo>item"`
}

func describeRegions(_ context.Context, _ *api.State, req *api.Request) (*api.Response, error) {
	names := req.Params.List("RegionName")
	filters := parseFilters(req.Params)
	out := &describeRegionsOutput{}
	for _, name := range regions {
		if len(names) > 0 && !slices.Contains(names, name) {
			continue
		}
		endpoint := "ec2." + name + ".amazonaws.com"
		ok, err := matchFilters(filters, func(field string) ([]string, bool) {
			switch field {
			case "region-name":
				return []string{name}, true
			case "endpoint":
				return []string{endpoint}, true
			case "opt-in-status":
				return []string{"opt-in-not-required"}, true
			}
			return nil, false
		})
		if err != nil {
			return nil, err
		}
		if ok {
			out.RegionInfo = append(out.RegionInfo, regionItem{RegionName: name, RegionEndpoint: endpoint, OptInStatus: "opt-in-not-required"})
		}
	}
	return api.Reply(req, out)
}

type zoneItem struct {
	ZoneName    string `xml:"zoneName"`
	ZoneID      string `xml:"zoneId"`
	ZoneState   string `xml:"zoneState"`
	RegionName  string `xml:"regionName"`
	ZoneType    string `xml:"zoneType"`
	GroupName   string `xml:"groupName"`
	OptInStatus string `xml:"optInStatus"`
}

type describeAvailabilityZonesOutput struct {
	wire.EC2Meta
	AvailabilityZoneInfo []zoneItem `xml:"availabilityZoneInfo>item"`
}

// zoneIDPrefix turns us-east-1 into use1, the prefix of AWS zone ids.
func zoneIDPrefix(region string) string {
	parts := strings.Split(region, "-")
	if len(parts) != 3 {
		return region
	}
	direction := parts[1]
	if len(direction) > 1 {
		direction = direction[:1]
	}
	return parts[0] + direction + parts[2]
}

// describeAvailabilityZones lists the zones of the configured region.
func describeAvailabilityZones(_ context.Context, st *api.State, req *api.Request) (*api.Response, error) {
	names := req.Params.List("ZoneName")
	ids := req.Params.List("ZoneId")
	filters := parseFilters(req.Params)
	region := st.Region()
	out := &describeAvailabilityZonesOutput{}
	for i, name := range zones(region) {
		item := zoneItem{
			ZoneName:    name,
			ZoneID:      zoneIDPrefix(region) + "-az" + string(rune('1'+i)),
			ZoneState:   stateAvailable,
			RegionName:  region,
			ZoneType:    "availability-zone",
			GroupName:   region,
			OptInStatus: "opt-in-not-required",
		}
		if (len(names) > 0 && !slices.Contains(names, name)) || (len(ids) > 0 && !slices.Contains(ids, item.ZoneID)) {
			continue
		}
		ok, err := matchFilters(filters, func(field string) ([]string, bool) {
			switch field {
			case "zone-name":
				return []string{item.ZoneName}, true
			case "zone-id":
				return []string{item.ZoneID}, true
			case "state":
				return []string{item.ZoneState}, true
			case "region-name":
				return []string{region}, true
			case "zone-type":
				return []string{item.ZoneType}, true
			}
			return nil, false
		})
		if err != nil {
			return nil, err
		}
		if ok {
			out.AvailabilityZoneInfo = append(out.AvailabilityZoneInfo, item)
		}
	}
	return api.Reply(req, out)
}
