// Package docs is generated by swaggo/swag. Regenerate with:
//
//	swag init -g cmd/voicechat/main.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/api/v1/capabilities": {
            "get": {
                "description": "Returns which chat, speech capture and speech playback backends new sessions use.",
                "produces": [
                    "application/json"
                ],
                "tags": [
                    "meta"
                ],
                "summary": "Describe the configured backends",
                "responses": {
                    "200": {
                        "description": "OK",
                        "schema": {
                            "$ref": "#/definitions/http.Capabilities"
                        }
                    }
                }
            }
        },
        "/ws": {
            "get": {
                "description": "Upgrades to a WebSocket carrying the session protocol. The server sends\n\"view\" and \"notice\" frames and relays speech commands; the browser sends\nintents (\"submit_text\", \"toggle_voice\") and speech events.",
                "tags": [
                    "session"
                ],
                "summary": "Open a chat session",
                "responses": {
                    "101": {
                        "description": "Switching Protocols",
                        "schema": {
                            "type": "string"
                        }
                    },
                    "400": {
                        "description": "Not a WebSocket handshake",
                        "schema": {
                            "type": "string"
                        }
                    },
                    "503": {
                        "description": "Shutting down",
                        "schema": {
                            "type": "string"
                        }
                    }
                }
            }
        }
    },
    "definitions": {
        "http.Capabilities": {
            "type": "object",
            "properties": {
                "capture": {
                    "type": "string",
                    "example": "browser"
                },
                "chat": {
                    "type": "string",
                    "example": "openai"
                },
                "language": {
                    "type": "string",
                    "example": "en-US"
                },
                "playback": {
                    "type": "string",
                    "example": "browser"
                }
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "voicechat API",
	Description:      "Browser voice chat with streamed assistant replies.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
