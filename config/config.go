package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	} `yaml:"redis"`
	Providers struct {
		LLMAPI   string `yaml:"llm_api"`
		ImageAPI string `yaml:"image_api"`
		VideoAPI string `yaml:"video_api"`
		VoiceAPI string `yaml:"voice_api"`
		EditAPI  string `yaml:"edit_api"`
	} `yaml:"providers"`
	Pipeline struct {
		Concurrency  int `yaml:"concurrency"`
		SegmentCount int `yaml:"segment_count"`
		// PollCeilingMin caps how long a single provider task may be polled
		// before the stage is failed.
		PollCeilingMin int `yaml:"poll_ceiling_min"`
	} `yaml:"pipeline"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
}

var AppConfig *Config

func InitConfig() {
	// .env is optional; it lets deployments override the DSN and keys
	// referenced from config.yaml via ${VAR} expansion.
	_ = godotenv.Load()

	b, err := os.ReadFile("config/config.yaml")
	if err != nil {
		log.Fatalf("failed to read config file: %v", err)
	}
	expanded := os.ExpandEnv(string(b))

	AppConfig = &Config{}
	if err := yaml.Unmarshal([]byte(expanded), AppConfig); err != nil {
		log.Fatalf("failed to parse config file: %v", err)
	}

	if AppConfig.Pipeline.Concurrency <= 0 {
		AppConfig.Pipeline.Concurrency = 5
	}
	if AppConfig.Pipeline.SegmentCount <= 0 {
		AppConfig.Pipeline.SegmentCount = 4
	}
	if AppConfig.Pipeline.PollCeilingMin <= 0 {
		AppConfig.Pipeline.PollCeilingMin = 30
	}
}
