package model

// IdentitySignal は外部IdPから観測される接続シグナルを表す。
// IdPの初期化中は connected=true かつ UserID="" のような一時的な不整合が起こり得る。
// 値が存在しない項目は空文字列で表す。
type IdentitySignal struct {
	Connected         bool
	EmbeddedConnected bool
	UserID            string
	Email             string
	WalletAddress     string
	ImageURL          string
}

// FullyAuthenticated は接続済み、埋め込みウォレット接続済み、かつユーザーIDが存在する場合にtrueを返す。
func (s IdentitySignal) FullyAuthenticated() bool {
	return s.Connected && s.EmbeddedConnected && s.UserID != ""
}

// PartiallyConnected は接続済みだが完全な認証状態に達していない場合にtrueを返す。
func (s IdentitySignal) PartiallyConnected() bool {
	return s.Connected && !s.FullyAuthenticated()
}

// EmbeddedState はIdP SDKの埋め込みウォレットの状態。
type EmbeddedState struct {
	IsConnected bool
	UserID      string
	Email       string
	ImageURL    string
}

// WalletState はIdP SDKが報告するウォレット情報。
type WalletState struct {
	UserID  string
	ID      string
	Address string
}

// ProviderState はIdP SDKから読み取る生の状態。
// Embedded、Walletは未初期化の間nilになる。
type ProviderState struct {
	IsConnected bool
	IsLoading   bool
	Embedded    *EmbeddedState
	Wallet      *WalletState
}

// Signal は生の状態をIdentitySignalに変換する。
// ユーザーIDは埋め込みウォレットの値を優先し、無ければウォレットの値を使う。
func (s ProviderState) Signal() IdentitySignal {
	sig := IdentitySignal{Connected: s.IsConnected}
	if s.Embedded != nil {
		sig.EmbeddedConnected = s.Embedded.IsConnected
		sig.UserID = s.Embedded.UserID
		sig.Email = s.Embedded.Email
		sig.ImageURL = s.Embedded.ImageURL
	}
	if s.Wallet != nil {
		if sig.UserID == "" {
			sig.UserID = s.Wallet.UserID
		}
		sig.WalletAddress = s.Wallet.Address
	}
	return sig
}
