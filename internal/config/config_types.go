package config

// HostEntry is one node of a statically configured topology.
type HostEntry struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	Rack string `yaml:"rack" json:"rack"`
}

// TracingConfig controls the OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled" json:"enabled"`
	Endpoint    string  `yaml:"endpoint" json:"endpoint"`
	Insecure    bool    `yaml:"insecure" json:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio" json:"sample_ratio"`
	ServiceName string  `yaml:"service_name" json:"service_name"`
}

// FileConfig represents the configuration loaded from file
type FileConfig struct {
	// Process settings
	Debug     bool   `yaml:"debug" json:"debug"`
	LogFile   string `yaml:"log_file" json:"log_file"`
	LogFormat string `yaml:"log_format" json:"log_format"` // json | text
	LogLevel  string `yaml:"log_level" json:"log_level"`   // logrus level name; debug forces debug
	AdminAddr string `yaml:"admin_addr" json:"admin_addr"`

	// AdminKey guards the write endpoints of the admin server. Empty leaves
	// them open to loopback callers only.
	AdminKey string `yaml:"admin_key" json:"-"`
	// AdminRPS limits admin requests per client IP; 0 disables the limit.
	AdminRPS int    `yaml:"admin_rps" json:"admin_rps"`

	// Pool identity
	PoolName       string `yaml:"pool_name" json:"pool_name"`
	PropertyPrefix string `yaml:"property_prefix" json:"property_prefix"`

	// Topology: either a static host list or a watched topology file
	Hosts        []HostEntry `yaml:"hosts" json:"hosts"`
	TopologyFile string      `yaml:"topology_file" json:"topology_file"`

	Tracing TracingConfig `yaml:"tracing" json:"tracing"`

	// Properties holds the dynamic pool tunables, nested or dotted:
	//
	//	properties:
	//	  dyno.orders.connection.maxConnsPerHost: 8
	//	  dyno:
	//	    orders:
	//	      retryPolicy: RetryNTimes:2:true
	Properties map[string]any `yaml:"properties" json:"properties"`
}
