package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	// 索引服务（GraphQL）
	AccessIndexURL   string
	PlaylistIndexURL string
	IndexBatchSize   int
	IndexTimeout     time.Duration

	// 链上注册表兜底
	RegistryRPCURL   string
	RegistryContract string

	// 密钥包裹服务与存储网关
	KeywrapURL       string
	GatewayURL       string
	GatewayFallbacks []string

	// MinIO
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	MinioRegion    string

	// Redis配置
	RedisHost       string
	RedisPort       string
	RedisPassword   string
	RedisDB         int
	WrappedKeyStore string // redis | file

	// MySQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// 本地目录
	DataDir         string
	ScratchDir      string // 解密后的临时缓存
	LibraryDir      string // 持久化的媒体库
	KeyPairPath     string
	WrappedKeysPath string

	LibraryCacheTTL time.Duration

	LogLevel   string
	LogPath    string
	ServerPort string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration 支持 "120s" 这样的写法，纯数字按秒处理
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	dataDir := getEnv("DATA_DIR", "data")

	return &Config{
		AccessIndexURL:   getEnv("ACCESS_INDEX_URL", "http://127.0.0.1:8000/subgraphs/name/access"),
		PlaylistIndexURL: getEnv("PLAYLIST_INDEX_URL", "http://127.0.0.1:8000/subgraphs/name/playlists"),
		IndexBatchSize:   getEnvInt("INDEX_BATCH_SIZE", 100),
		IndexTimeout:     getEnvDuration("INDEX_TIMEOUT", 20*time.Second),

		RegistryRPCURL:   getEnv("REGISTRY_RPC_URL", ""),
		RegistryContract: getEnv("REGISTRY_CONTRACT", ""),

		KeywrapURL: getEnv("KEYWRAP_URL", "http://127.0.0.1:8787"),
		GatewayURL: getEnv("GATEWAY_URL", "https://gateway.s3-node-1.load.network"),
		GatewayFallbacks: getEnvList("GATEWAY_FALLBACKS", []string{
			"https://gateway.s3-node-1.load.network/resolve/",
			"https://arweave.net/",
		}),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getEnv("MINIO_BUCKET", "sharefm"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", true),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),

		RedisHost:       getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:       getEnv("REDIS_PORT", "6379"),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""), // 默认无密码
		RedisDB:         getEnvInt("REDIS_DB", 0),
		WrappedKeyStore: getEnv("WRAPPED_KEY_STORE", "file"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // For password, better not to have a hardcoded default
		DBName:     getEnv("DB_NAME", "sharefm"),

		DataDir:         dataDir,
		ScratchDir:      getEnv("SCRATCH_DIR", filepath.Join(dataDir, "scratch")),
		LibraryDir:      getEnv("LIBRARY_DIR", filepath.Join(dataDir, "library")),
		KeyPairPath:     getEnv("KEYPAIR_PATH", filepath.Join(dataDir, "content-keys", "keypair.json")),
		WrappedKeysPath: getEnv("WRAPPED_KEYS_PATH", filepath.Join(dataDir, "content-keys", "wrapped-keys.json")),

		LibraryCacheTTL: getEnvDuration("LIBRARY_CACHE_TTL", 120*time.Second),

		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogPath:    getEnv("LOG_PATH", ""),
		ServerPort: getEnv("SERVER_PORT", "8080"),
	}
}
