package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret, manifest string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	const secret = "webhook-secret"
	valid := "ts=1704908010,v1=" + sign(secret, "id:123456;request-id:req-1;ts:1704908010;")

	tests := []struct {
		name      string
		header    string
		requestID string
		dataID    string
		wantErr   bool
	}{
		{name: "Валидная подпись", header: valid, requestID: "req-1", dataID: "123456"},
		{name: "Пробелы в заголовке", header: " ts=1704908010 , v1=" + sign(secret, "id:123456;request-id:req-1;ts:1704908010;"), requestID: "req-1", dataID: "123456"},
		{name: "Без request-id", header: "ts=1,v1=" + sign(secret, "id:abc;ts:1;"), dataID: "ABC"},
		{name: "Другой data.id", header: valid, requestID: "req-1", dataID: "999", wantErr: true},
		{name: "Другой секрет", header: "ts=1704908010,v1=" + sign("other", "id:123456;request-id:req-1;ts:1704908010;"), requestID: "req-1", dataID: "123456", wantErr: true},
		{name: "Пустой заголовок", header: "", dataID: "123456", wantErr: true},
		{name: "Нет v1", header: "ts=1704908010", dataID: "123456", wantErr: true},
		{name: "v1 не hex", header: "ts=1,v1=zz", dataID: "123456", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifySignature(secret, tt.header, tt.requestID, tt.dataID)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSignature)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
