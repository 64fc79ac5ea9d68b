package httpapi

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Схема проверяет только форму тела. Бизнес-правила (пустая корзина,
// qty > 0, обязательные адрес и телефон) проверяет сервис оформления,
// чтобы клиент получал те же сообщения об ошибках.
const placeOrderSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "items": {
      "type": ["array", "null"],
      "maxItems": 200,
      "items": {
        "type": "object",
        "required": ["id_producto", "quantity", "precio"],
        "properties": {
          "id_producto": { "type": "integer" },
          "quantity":    { "type": "integer", "maximum": 2147483647 },
          "precio":      { "type": "integer" },
          "nombre":      { "type": ["string", "null"], "maxLength": 250 },
          "imagen_url":  { "type": ["string", "null"], "maxLength": 2048 }
        }
      }
    },
    "direccion_envio":   { "type": ["string", "null"], "maxLength": 500 },
    "telefono_contacto": { "type": ["string", "null"], "maxLength": 50 },
    "notas":             { "type": ["string", "null"], "maxLength": 1000 }
  }
}`

var placeOrderSchema = mustSchema(placeOrderSchemaJSON)

func mustSchema(raw string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
	if err != nil {
		panic(fmt.Sprintf("httpapi: invalid json schema: %v", err))
	}
	return schema
}

// validateSchema возвращает список нарушений схемы; nil означает, что тело корректно.
func validateSchema(schema *gojsonschema.Schema, body []byte) ([]string, error) {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}

	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.String())
	}
	return violations, nil
}
