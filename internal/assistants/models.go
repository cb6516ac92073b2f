package assistants

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type FunctionType string

const (
	FunctionAPI    FunctionType = "api"
	FunctionCustom FunctionType = "custom"
)

type Assistant struct {
	ID             string    `db:"id" json:"id"`
	UserID         string    `db:"user_id" json:"user_id"`
	Name           string    `db:"name" json:"name"`
	Description    string    `db:"description" json:"description"`
	WelcomeMessage string    `db:"welcome_message" json:"welcome_message,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Parameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

type Auth struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// APIConfig is stored as JSONB.
type APIConfig struct {
	URL        string      `json:"url"`
	Method     string      `json:"method"`
	Headers    []Header    `json:"headers,omitempty"`
	Parameters []Parameter `json:"parameters,omitempty"`
	Auth       *Auth       `json:"auth,omitempty"`
}

func (c APIConfig) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *APIConfig) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("неподдерживаемый тип для api: %T", src)
	}
	return json.Unmarshal(data, c)
}

type Function struct {
	ID          int64        `db:"id" json:"id"`
	AssistantID string       `db:"assistant_id" json:"assistant_id"`
	Name        string       `db:"name" json:"name"`
	Description string       `db:"description" json:"description"`
	Type        FunctionType `db:"type" json:"type"`
	API         *APIConfig   `db:"api" json:"api,omitempty"`
	Code        string       `db:"code" json:"code,omitempty"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// ParameterNames returns declared parameter names in order.
func (f Function) ParameterNames() []string {
	if f.API == nil {
		return nil
	}
	names := make([]string, 0, len(f.API.Parameters))
	for _, p := range f.API.Parameters {
		names = append(names, p.Name)
	}
	return names
}

// Profile is an assistant together with its functions, the unit cached by
// Service.
type Profile struct {
	Assistant Assistant
	Functions []Function
}
