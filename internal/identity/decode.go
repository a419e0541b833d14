package identity

import (
	"fmt"

	"github.com/hitoshi/linkpay/internal/model"
	"github.com/tidwall/gjson"
)

// DecodeState はSDKブリッジが送るJSONをProviderStateに変換する。
//
//	{
//	  "isConnected": true,
//	  "isLoading": false,
//	  "embedded": {"isConnected": true, "userId": "...", "email": "...", "imageUrl": "..."} | null,
//	  "wallet": {"userId": "...", "id": "...", "address": "0x..."} | null
//	}
//
// 欠落したメンバーやnullはゼロ値として扱う。
func DecodeState(data []byte) (model.ProviderState, error) {
	if !gjson.ValidBytes(data) {
		return model.ProviderState{}, fmt.Errorf("invalid provider state JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return model.ProviderState{}, fmt.Errorf("provider state must be a JSON object")
	}

	st := model.ProviderState{
		IsConnected: root.Get("isConnected").Bool(),
		IsLoading:   root.Get("isLoading").Bool(),
	}

	if e := root.Get("embedded"); e.IsObject() {
		st.Embedded = &model.EmbeddedState{
			IsConnected: e.Get("isConnected").Bool(),
			UserID:      e.Get("userId").String(),
			Email:       e.Get("email").String(),
			ImageURL:    e.Get("imageUrl").String(),
		}
	}

	if w := root.Get("wallet"); w.IsObject() {
		st.Wallet = &model.WalletState{
			UserID:  w.Get("userId").String(),
			ID:      w.Get("id").String(),
			Address: w.Get("address").String(),
		}
	}

	return st, nil
}
