package i18n

import (
	"reflect"
	"sync"
)

// Language type
type Language string

const (
	LangEN Language = "en"
	LangZH Language = "zh"
)

// Messages holds all translatable strings
type Messages struct {
	// System
	Starting           string
	ConfigLoaded       string
	UsingDBPath        string
	ServerListening    string
	ShuttingDown       string
	ShutdownComplete   string
	SystemMetricsInit  string
	EngineServiceInit  string
	ConfigLoadFailed   string
	DBInitFailed       string
	DBMigrationsFailed string
	APIServerError     string
	AuthDisabled       string

	// Bots
	ProfilesLoaded     string
	ProfilesLoadFailed string
	JournalDir         string
	JournalMemory      string
	AutoStartBot       string
	AutoStartFailed    string
	AutoStartUnknown   string
	BotsRecovered      string

	// Services
	AdapterPoolStarted string
	SignalsExpired     string
	SignalExpireFailed string
}

var (
	currentLang Language = LangEN
	mu          sync.RWMutex
	messages    *Messages
)

// English messages
var messagesEN = Messages{
	// System
	Starting:           "Starting Signalist bot engine...",
	ConfigLoaded:       "Config loaded (Port: %s)",
	UsingDBPath:        "Using DB path: %s",
	ServerListening:    "Server listening on :%s",
	ShuttingDown:       "Shutting down gracefully...",
	ShutdownComplete:   "Shutdown complete",
	SystemMetricsInit:  "System metrics initialized",
	EngineServiceInit:  "Engine service initialized",
	ConfigLoadFailed:   "Failed to load config: %v",
	DBInitFailed:       "Failed to init database: %v",
	DBMigrationsFailed: "Failed to apply migrations: %v",
	APIServerError:     "API server error: %v",
	AuthDisabled:       "JWT_SECRET not set, API authentication disabled",

	// Bots
	ProfilesLoaded:     "Loaded %d bot profiles from %s",
	ProfilesLoadFailed: "Failed to load bot profiles: %v",
	JournalDir:         "Intent journals in %s",
	JournalMemory:      "Intent journals kept in memory",
	AutoStartBot:       "Auto-started bot for %s (session %s)",
	AutoStartFailed:    "Auto-start failed for %s: %s",
	AutoStartUnknown:   "Auto-start user %s has no profile",
	BotsRecovered:      "Recovered stuck bots: %v",

	// Services
	AdapterPoolStarted: "Adapter pool health checks every %v",
	SignalsExpired:     "Expired %d stale signals",
	SignalExpireFailed: "Signal expiry failed: %v",
}

// Chinese messages
var messagesZH = Messages{
	// System
	Starting:           "啟動 Signalist 機器人引擎...",
	ConfigLoaded:       "設定已載入（埠號：%s）",
	UsingDBPath:        "使用資料庫路徑：%s",
	ServerListening:    "服務監聽於 :%s",
	ShuttingDown:       "正在優雅關閉...",
	ShutdownComplete:   "關閉完成",
	SystemMetricsInit:  "系統指標初始化完成",
	EngineServiceInit:  "引擎服務初始化完成",
	ConfigLoadFailed:   "讀取設定失敗：%v",
	DBInitFailed:       "初始化資料庫失敗：%v",
	DBMigrationsFailed: "套用資料庫遷移失敗：%v",
	APIServerError:     "API 服務錯誤：%v",
	AuthDisabled:       "未設定 JWT_SECRET，API 驗證已停用",

	// Bots
	ProfilesLoaded:     "已從 %[2]s 載入 %[1]d 個機器人設定",
	ProfilesLoadFailed: "讀取機器人設定失敗：%v",
	JournalDir:         "交易意圖日誌位於 %s",
	JournalMemory:      "交易意圖日誌僅保存在記憶體",
	AutoStartBot:       "已自動啟動 %s 的機器人（工作階段 %s）",
	AutoStartFailed:    "自動啟動 %s 失敗：%s",
	AutoStartUnknown:   "自動啟動用戶 %s 沒有對應設定",
	BotsRecovered:      "已復原卡住的機器人：%v",

	// Services
	AdapterPoolStarted: "連線池每 %v 進行健康檢查",
	SignalsExpired:     "已過期 %d 筆舊訊號",
	SignalExpireFailed: "訊號過期處理失敗：%v",
}

func init() {
	messages = &messagesEN
}

// SetLanguage sets the current language
func SetLanguage(lang Language) {
	mu.Lock()
	defer mu.Unlock()

	currentLang = lang
	switch lang {
	case LangZH:
		messages = &messagesZH
	default:
		messages = &messagesEN
	}
}

// GetLanguage returns the current language
func GetLanguage() Language {
	mu.RLock()
	defer mu.RUnlock()
	return currentLang
}

// M returns the current messages
func M() *Messages {
	mu.RLock()
	defer mu.RUnlock()
	return messages
}

// Get returns specific message by key dynamically using reflection
func Get(key string) string {
	msg := M()
	v := reflect.ValueOf(msg).Elem()
	f := v.FieldByName(key)
	if f.IsValid() && f.Kind() == reflect.String {
		return f.String()
	}
	return key
}
