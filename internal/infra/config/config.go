// Пакет config отвечает за сбор и предоставление конфигурации MTProto-клиента. Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. предоставляет singleton-доступ к результату и накопленным предупреждениям.
//
// Бизнес-контекст: учётные данные API и файл сессии управляют подключением к
// Telegram, счётчики воркеров — параллелизмом конвейера апдейтов и загрузок,
// LOG_* — консольным и файловым логированием. Размеры чанков и пороги передачи
// файлов протокол фиксирует жёстко, поэтому они заданы константами и из
// окружения не переопределяются.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// Протокольные константы передачи файлов. Они «потребляются» движком передач,
// но принадлежат сети: менять их без изменения серверного контракта нельзя.
const (
	// UploadPartSize — размер части при выгрузке (512 KiB).
	UploadPartSize = 512 * 1024
	// DownloadPartSize — размер части при скачивании (1 MiB).
	DownloadPartSize = 1024 * 1024
	// BigFileThreshold — порог «большого файла»: выше него включается пул сессий.
	BigFileThreshold = 10 * 1024 * 1024
	// MaxFileSize — максимальный размер выгружаемого файла (1500 MiB).
	MaxFileSize = 1500 * 1024 * 1024
)

// EnvConfig описывает параметры, приходящие из окружения (.env). Это «операционные»
// настройки запуска: учётные данные API, файл сессии, режимы запуска, счётчики
// воркеров и логирование.
//
// NB: значения уже проходят минимальную валидацию и нормализацию в loadConfig.
// В рантайме по месту использования предполагается, что EnvConfig последователен.
type EnvConfig struct {
	APIID       int
	APIHash     string
	PhoneNumber string
	BotToken    string
	SessionDB   string
	ExportFile  string
	TestMode    bool
	Takeout     bool
	NoUpdates   bool
	LogLevel    string
	ThrottleRPS int
	// Конвейер апдейтов и загрузки
	UpdateWorkers   int
	UpdateQueueSize int
	DownloadWorkers int
	DialogsPageSize int
	// Файловое логирование
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
}

// Config хранит конфигурацию среды.
//
// Потокобезопасность: публичные геттеры берут RLock; после Load конфигурация
// не мутируется.
type Config struct {
	Env      EnvConfig
	warnings []string     // предупреждения, накопленные при чтении окружения
	mu       sync.RWMutex // защита конкурентного доступа к конфигурации
}

// Значения по умолчанию для параметров окружения.
const (
	defaultLogLevel        = "info"
	defaultSessionDB       = "data/session.bbolt"
	defaultThrottleRPS     = 1
	defaultUpdateWorkers   = 4
	defaultUpdateQueue     = 64
	defaultDownloadWorkers = 1
	defaultDialogsPage     = 100
	// Файловое логирование (LOG_FILE не имеет дефолта — должен быть явно указан для активации)
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load — точка входа для инициализации глобальной конфигурации клиента.
// При первом вызове читает .env, формирует EnvConfig и фиксирует результат в
// singleton. Повторный вызов запрещён (возвращается ошибка), чтобы избежать
// гонок конфигурации на старте.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Удобно для тестов: можно собрать временный Config и проверить его.
func loadConfig(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}

	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}

	phone := strings.TrimSpace(os.Getenv("PHONE_NUMBER"))
	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))

	var warnings []string

	logLevel := sanitizeLogLevel(os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	sessionDB := sanitizeFile("SESSION_DB", os.Getenv("SESSION_DB"), defaultSessionDB, &warnings)
	exportFile := strings.TrimSpace(os.Getenv("SESSION_EXPORT_FILE"))
	testMode := parseBoolDefault("TEST_MODE", false, &warnings)
	takeout := parseBoolDefault("TAKEOUT", false, &warnings)
	noUpdates := parseBoolDefault("NO_UPDATES", false, &warnings)
	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)
	updateWorkers := parseIntDefault("UPDATE_WORKERS", defaultUpdateWorkers, greaterThanZero, &warnings)
	updateQueue := parseIntDefault("UPDATE_QUEUE_SIZE", defaultUpdateQueue, greaterThanZero, &warnings)
	downloadWorkers := parseIntDefault("DOWNLOAD_WORKERS", defaultDownloadWorkers, greaterThanZero, &warnings)
	dialogsPage := parseIntDefault("DIALOGS_PAGE_SIZE", defaultDialogsPage, greaterThanZero, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel(os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	// Без номера телефона и без токена бота авторизоваться нечем; ловим на старте.
	if phone == "" && botToken == "" {
		appendWarningf(&warnings, "neither PHONE_NUMBER nor BOT_TOKEN is set; interactive prompt will ask for a phone number")
	}

	env := EnvConfig{
		APIID:           apiID,
		APIHash:         apiHash,
		PhoneNumber:     phone,
		BotToken:        botToken,
		SessionDB:       sessionDB,
		ExportFile:      exportFile,
		TestMode:        testMode,
		Takeout:         takeout,
		NoUpdates:       noUpdates,
		LogLevel:        logLevel,
		ThrottleRPS:     throttleRPS,
		UpdateWorkers:   updateWorkers,
		UpdateQueueSize: updateQueue,
		DownloadWorkers: downloadWorkers,
		DialogsPageSize: dialogsPage,
		// Файловое логирование
		LogFile:           logFile,
		LogFileLevel:      logFileLevel,
		LogFileMaxSize:    logFileMaxSize,
		LogFileMaxBackups: logFileMaxBackups,
		LogFileMaxAge:     logFileMaxAge,
		LogFileCompress:   logFileCompress,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает накопленные предупреждения, возникшие при загрузке .env
// (например, когда подставлено значение по умолчанию). Возвращается копия.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает EnvConfig из глобального singleton. Это неизменяемый снимок
// на момент загрузки; для обновления надо перечитать конфиг целиком.
func Env() EnvConfig {
	return cfgInstance.Env
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
// Если переменная не задана или не является корректным числом — возвращает ошибку.
// Используется для критичных параметров, без которых клиент не стартует.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// дополнительную проверку validator — возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault читает name как bool. Если пусто/некорректно — возвращает defaultVal.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf — служебная функция для накопления предупреждений о некорректных
// переменных окружения. Список затем доступен через Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero / nonNegative — простые валидаторы чисел для parseIntDefault.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel нормализует уровень и ограничивает значения набором
// {debug, info, warn, error}. Всё остальное превращается в defaultVal.
func sanitizeLogLevel(level string, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает валидное имя файла. Пустое значение заменяется на
// fallback; путь, оканчивающийся разделителем, файлом быть не может и
// отвергается с предупреждением.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return fallback
	}
	if strings.HasSuffix(v, "/") || strings.HasSuffix(v, string(os.PathSeparator)) {
		appendWarningf(warnings, "env %s value %q is not a file path; using default %q", name, value, fallback)
		return fallback
	}
	return v
}
