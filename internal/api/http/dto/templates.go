package dto

import "encoding/json"

type TemplateResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name"`
	Spec        json.RawMessage `json:"spec"`
}

type ListTemplatesResponse struct {
	Templates []TemplateResponse `json:"templates"`
}
