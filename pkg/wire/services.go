package wire

// QueryAPI describes a service reachable over AWS-Query.
type QueryAPI struct {
	Version   string
	Namespace string
	Dialect   Dialect
}

// QueryAPIs lists the AWS-Query services by signing name.
var QueryAPIs = map[string]QueryAPI{
	"sns":                  {Version: "2010-03-31", Namespace: "http://sns.amazonaws.com/doc/2010-03-31/", Dialect: Query},
	"iam":                  {Version: "2010-05-08", Namespace: "https://iam.amazonaws.com/doc/2010-05-08/", Dialect: Query},
	"rds":                  {Version: "2014-10-31", Namespace: "http://rds.amazonaws.com/doc/2014-10-31/", Dialect: Query},
	"elasticloadbalancing": {Version: "2015-12-01", Namespace: "http://elasticloadbalancing.amazonaws.com/doc/2015-12-01/", Dialect: Query},
	"elasticache":          {Version: "2015-02-02", Namespace: "http://elasticache.amazonaws.com/doc/2015-02-02/", Dialect: Query},
	"ec2":                  {Version: "2016-11-15", Namespace: EC2Namespace, Dialect: EC2Query},
}

var queryVersions = func() map[string]string {
	m := make(map[string]string, len(QueryAPIs))
	for name, qa := range QueryAPIs {
		if other, dup := m[qa.Version]; dup {
			panic("wire: API version " + qa.Version + " shared by " + name + " and " + other)
		}
		m[qa.Version] = name
	}
	return m
}()

// QueryServiceForVersion returns the AWS-Query service whose API version is version.
func QueryServiceForVersion(version string) (string, bool) {
	name, ok := queryVersions[version]
	return name, ok
}
