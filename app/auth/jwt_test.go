package auth_test

import (
	"testing"

	"whisper-swarm/app/auth"
	"whisper-swarm/app/config"
)

func jwtConfig(secret string) *config.Config {
	return &config.Config{
		JWT: config.JWTConfig{
			Secret:     secret,
			ExpireTime: 24,
			Issuer:     "whisper-swarm",
		},
	}
}

func TestTokenRoundTrip(t *testing.T) {
	svc := auth.NewJWTService(jwtConfig("test-secret"))

	token, err := svc.GenerateToken(1, "admin")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.UserID != 1 || claims.Username != "admin" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.Issuer != "whisper-swarm" {
		t.Errorf("issuer = %q, want whisper-swarm", claims.Issuer)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	svc := auth.NewJWTService(jwtConfig("secret-a"))
	token, err := svc.GenerateToken(1, "admin")
	if err != nil {
		t.Fatal(err)
	}

	other := auth.NewJWTService(jwtConfig("secret-b"))
	if _, err := other.ValidateToken(token); err == nil {
		t.Error("错误密钥签发的令牌应校验失败")
	}
}

func TestTokenGarbage(t *testing.T) {
	svc := auth.NewJWTService(jwtConfig("test-secret"))
	if _, err := svc.ValidateToken("not-a-token"); err == nil {
		t.Error("非法令牌应校验失败")
	}
}
