package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bidfetch/lib/configutil"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// ErrInvalid wraps every configuration problem found by Load.
var ErrInvalid = errors.New("invalid configuration")

// Bool accepts a JSON boolean or one of the strings "true"/"false" in any case.
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	switch raw {
	case "true":
		*b = true
		return nil
	case "false":
		*b = false
		return nil
	}
	if len(raw) >= 2 && (raw[0] == '"' || raw[0] == '\'') && raw[len(raw)-1] == raw[0] {
		switch inner := raw[1 : len(raw)-1]; {
		case strings.EqualFold(inner, "true"):
			*b = true
			return nil
		case strings.EqualFold(inner, "false"):
			*b = false
			return nil
		}
	}
	return fmt.Errorf("%w: %s is not a boolean", ErrInvalid, raw)
}

type Debug struct {
	Enabled Bool `json:"enabled"`
	// Headless is only honored when Enabled is set.
	Headless *Bool `json:"headless"`
}

type Mail struct {
	Enabled Bool   `json:"enabled"`
	User    string `json:"user"`
	Pass    string `json:"pass"`
	To      string `json:"to"`
	Server  string `json:"server"`
	Port    int    `json:"port"`
}

type Log struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// File is the shape of config.json5.
type File struct {
	TopPage           string   `json:"top_page"`
	PdfKeywords       []string `json:"pdf_keywords"`
	ProjectTitle      string   `json:"project_title"`
	DownloadTimeout   float64  `json:"download_timeout_sec"`
	PdfClickDelay     float64  `json:"pdf_click_delay_sec"`
	NumberOfItems     int      `json:"number_of_items"`
	DownloadOnlyNew   Bool     `json:"download_only_new"`
	ChromePath        string   `json:"chrome_path"`
	Debug             Debug    `json:"debug"`
	Mail              Mail     `json:"mail"`
	Log               Log      `json:"log"`
	DataDir           string   `json:"data_dir"`
	HistoryFile       string   `json:"history_file"`
	Schedule          string   `json:"schedule"`
	QuietPeriodSec    float64  `json:"quiet_period_sec"`
	NavigationTimeout float64  `json:"navigation_timeout_sec"`
}

// Defaults mirrors what the tool did before config.json5 existed.
func Defaults() File {
	return File{
		TopPage:      "https://www.epi-cloud.fwd.ne.jp/koukai/do/KF001ShowAction?name1=0620060006600600",
		PdfKeywords:  []string{"公告", "位置図", "図面", "参考資料", "平面図"},
		ProjectTitle: "設計",
		// values <= 0 fall back to the floors in internal/tracker
		DownloadTimeout:   0,
		PdfClickDelay:     0,
		NumberOfItems:     100,
		Mail:              Mail{Server: "smtp.gmail.com", Port: 587},
		Log:               Log{Level: "info", Dir: "logs"},
		DataDir:           "data",
		HistoryFile:       "downloadHistory.json",
		NavigationTimeout: 90,
	}
}

// Config is the validated, strictly typed configuration every component consumes.
type Config struct {
	Root string

	TopPage        string   `validate:"required,url"`
	Keywords       []string `validate:"required,min=1,dive,required"`
	ProjectTitle   string
	PageSize       int `validate:"oneof=10 25 50 100"`
	OnlyNew        bool
	ChromePath     string
	Headless       bool
	DownloadWait   time.Duration
	ClickDelay     time.Duration
	QuietPeriod    time.Duration
	NavigationWait time.Duration `validate:"gt=0"`

	DataDir     string `validate:"required"`
	HistoryFile string `validate:"required"`
	LogDir      string
	LogLevel    string `validate:"oneof=debug info warn error"`
	Schedule    string

	Mail MailConfig
}

type MailConfig struct {
	Enabled bool
	User    string `validate:"required_if=Enabled true"`
	Pass    string `validate:"required_if=Enabled true"`
	To      string `validate:"required_if=Enabled true,omitempty,email"`
	Server  string `validate:"required_if=Enabled true"`
	Port    int    `validate:"required_if=Enabled true,omitempty,min=1,max=65535"`
}

const (
	envMailUser = "BIDFETCH_MAIL_USER"
	envMailPass = "BIDFETCH_MAIL_PASS"
	envMailTo   = "BIDFETCH_MAIL_TO"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

// Load reads <root>/config.json5 (and config.local.json5) over Defaults,
// applies mail overrides from the environment and <root>/.env, and
// validates the result. found is false when no config file exists.
func Load(root string) (cfg Config, found bool, err error) {
	file, found, err := configutil.ReadOnto(filepath.Join(root, "config.json5"), Defaults())
	if err != nil {
		if errors.Is(err, ErrInvalid) {
			return Config{}, found, err
		}
		return Config{}, found, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	env, err := readEnv(filepath.Join(root, ".env"))
	if err != nil {
		return Config{}, found, err
	}
	applyEnv(&file, env)

	cfg, err = FromFile(root, file)
	return cfg, found, err
}

func readEnv(path string) (map[string]string, error) {
	env := map[string]string{}
	contents, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(contents) > 0 {
		env, err = godotenv.Parse(bytes.NewReader(contents))
		if err != nil {
			return nil, fmt.Errorf("%w: parse %s: %w", ErrInvalid, path, err)
		}
	}
	// the process environment wins over .env
	for _, key := range []string{envMailUser, envMailPass, envMailTo} {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env, nil
}

func applyEnv(file *File, env map[string]string) {
	if v := env[envMailUser]; v != "" {
		file.Mail.User = v
	}
	if v := env[envMailPass]; v != "" {
		file.Mail.Pass = v
	}
	if v := env[envMailTo]; v != "" {
		file.Mail.To = v
	}
}

func seconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// FromFile converts and validates a decoded File, relative paths are resolved against root.
func FromFile(root string, file File) (Config, error) {
	headless := true
	if file.Debug.Enabled && file.Debug.Headless != nil {
		headless = bool(*file.Debug.Headless)
	}

	keywords := make([]string, len(file.PdfKeywords))
	for i, k := range file.PdfKeywords {
		keywords[i] = strings.TrimSpace(k)
	}

	pageSize := file.NumberOfItems
	if pageSize == 0 {
		pageSize = 100
	}

	cfg := Config{
		Root:           root,
		TopPage:        strings.TrimSpace(file.TopPage),
		Keywords:       keywords,
		ProjectTitle:   file.ProjectTitle,
		PageSize:       pageSize,
		OnlyNew:        bool(file.DownloadOnlyNew),
		ChromePath:     resolve(root, file.ChromePath),
		Headless:       headless,
		DownloadWait:   seconds(file.DownloadTimeout),
		ClickDelay:     seconds(file.PdfClickDelay),
		QuietPeriod:    seconds(file.QuietPeriodSec),
		NavigationWait: seconds(file.NavigationTimeout),
		DataDir:        resolve(root, file.DataDir),
		HistoryFile:    resolve(root, file.HistoryFile),
		LogDir:         resolve(root, file.Log.Dir),
		LogLevel:       strings.ToLower(file.Log.Level),
		Schedule:       file.Schedule,
		Mail: MailConfig{
			Enabled: bool(file.Mail.Enabled),
			User:    file.Mail.User,
			Pass:    file.Mail.Pass,
			To:      file.Mail.To,
			Server:  file.Mail.Server,
			Port:    file.Mail.Port,
		},
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	err := validate.Struct(cfg)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			problems := make([]string, len(verrs))
			for i, v := range verrs {
				problems[i] = fmt.Sprintf("%s failed %q", v.Namespace(), v.Tag())
			}
			return Config{}, fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, ", "))
		}
		return Config{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}
