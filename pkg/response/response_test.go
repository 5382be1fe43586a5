package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(fn func(c *gin.Context)) (*httptest.ResponseRecorder, map[string]interface{}) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	fn(c)

	var body map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestSuccessEnvelope(t *testing.T) {
	w, body := render(func(c *gin.Context) { Success(c, gin.H{"balance": 5}) })

	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, CodeSuccess, body["code"])
	assert.EqualValues(t, 5, body["data"].(map[string]interface{})["balance"])
}

func TestInsufficientTokens(t *testing.T) {
	w, body := render(func(c *gin.Context) { InsufficientTokens(c, 3, 5) })

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.EqualValues(t, CodeInsufficientTokens, body["code"])
	data := body["data"].(map[string]interface{})
	assert.EqualValues(t, 3, data["balance"])
	assert.EqualValues(t, 5, data["required"])
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name   string
		fn     func(c *gin.Context)
		status int
		code   int
	}{
		{"bad request", func(c *gin.Context) { BadRequest(c, "x") }, http.StatusBadRequest, CodeBadRequest},
		{"unauthorized", func(c *gin.Context) { Unauthorized(c, "x") }, http.StatusUnauthorized, CodeUnauthorized},
		{"not found", func(c *gin.Context) { NotFound(c, "x") }, http.StatusNotFound, CodeNotFound},
		{"internal", func(c *gin.Context) { InternalError(c, "x") }, http.StatusInternalServerError, CodeInternalError},
		{"user not found", UserNotFound, http.StatusNotFound, CodeUserNotFound},
		{"busy", func(c *gin.Context) { ErrorWithCode(c, http.StatusConflict, CodeMessageBusy, "x") }, http.StatusConflict, CodeMessageBusy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := render(tt.fn)
			assert.Equal(t, tt.status, w.Code)
			require.Contains(t, body, "code")
			assert.EqualValues(t, tt.code, body["code"])
			assert.NotContains(t, body, "data")
		})
	}
}
