package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Name    string  `yaml:"name" json:"name" env:"APP_NAME" env-default:"zenflow"` // used for OTEL as an application identifier
	Tracing Tracing `yaml:"tracing" json:"tracing"`
	Engine  Engine  `yaml:"engine" json:"engine"`
	Batch   Batch   `yaml:"batch" json:"batch"`
	Deploy  Deploy  `yaml:"deploy" json:"deploy"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"OTEL_ENDPOINT" env-default:"localhost:4318"`
	Name     string `yaml:"name" json:"name" env:"OTEL_NAME"`
}

type Engine struct {
	SkipCustomListeners bool `yaml:"skipCustomListeners" json:"skipCustomListeners" env:"ENGINE_SKIP_CUSTOM_LISTENERS"`
	SkipIoMappings      bool `yaml:"skipIoMappings" json:"skipIoMappings" env:"ENGINE_SKIP_IO_MAPPINGS"`
	EnsureJobDueDateSet bool `yaml:"ensureJobDueDateSet" json:"ensureJobDueDateSet" env:"ENGINE_ENSURE_JOB_DUE_DATE_SET"`
	// JobDueDateOffset is an ISO-8601 duration like PT5M
	JobDueDateOffset    string        `yaml:"jobDueDateOffset" json:"jobDueDateOffset" env:"ENGINE_JOB_DUE_DATE_OFFSET"`
	ValidateTreeShape   bool          `yaml:"validateTreeShape" json:"validateTreeShape" env:"ENGINE_VALIDATE_TREE_SHAPE" env-default:"true"`
	DefinitionCacheSize int           `yaml:"definitionCacheSize" json:"definitionCacheSize" env:"ENGINE_DEFINITION_CACHE_SIZE" env-default:"200"`
	DefinitionCacheTtl  time.Duration `yaml:"definitionCacheTtl" json:"definitionCacheTtl" env:"ENGINE_DEFINITION_CACHE_TTL" env-default:"24h"`
	JsVmPoolMin         int           `yaml:"jsVmPoolMin" json:"jsVmPoolMin" env:"ENGINE_JS_VM_POOL_MIN" env-default:"1"`
	JsVmPoolMax         int           `yaml:"jsVmPoolMax" json:"jsVmPoolMax" env:"ENGINE_JS_VM_POOL_MAX" env-default:"10"`
}

type Batch struct {
	Workers         int           `yaml:"workers" json:"workers" env:"BATCH_WORKERS" env-default:"4"`
	MaxRetries      int           `yaml:"maxRetries" json:"maxRetries" env:"BATCH_MAX_RETRIES" env-default:"3"`
	InitialInterval time.Duration `yaml:"initialInterval" json:"initialInterval" env:"BATCH_INITIAL_INTERVAL" env-default:"100ms"`
	MaxInterval     time.Duration `yaml:"maxInterval" json:"maxInterval" env:"BATCH_MAX_INTERVAL" env-default:"5s"`
	ReportTtl       time.Duration `yaml:"reportTtl" json:"reportTtl" env:"BATCH_REPORT_TTL" env-default:"1h"`
}

type Deploy struct {
	// Dir holds the BPMN files deployed on start
	Dir string `yaml:"dir" json:"dir" env:"DEPLOY_DIR" env-default:"./processes"`
}

func (c Config) defaults() Config {
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	if c.Engine.JsVmPoolMax < c.Engine.JsVmPoolMin {
		c.Engine.JsVmPoolMax = c.Engine.JsVmPoolMin
	}
	return c
}

// LoadConfig reads the file when it exists and the environment otherwise
func LoadConfig(fileName string) (Config, error) {
	c := Config{}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		return Config{}, err
	}
	return c.defaults(), nil
}

func InitConfig() Config {
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	}
	c, err := LoadConfig(fileName)
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}
