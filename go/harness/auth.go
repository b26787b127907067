// Copyright 2025 Neondb, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package harness

import (
	"fmt"
	"os"

	"github.com/golang-jwt/jwt/v5"

	"github.com/neondb/neontest/go/harness/ident"
)

// AuthKeys points at the RSA key pair the control plane generates at init.
// Tokens for the management APIs are minted from the private key.
type AuthKeys struct {
	PrivateKeyPath string
	PublicKeyPath  string
}

// GenerateManagementToken mints a token with pageserver-wide scope.
func (k AuthKeys) GenerateManagementToken() (string, error) {
	return k.sign(jwt.MapClaims{"scope": "pageserverapi"})
}

// GenerateTenantToken mints a token scoped to one tenant.
func (k AuthKeys) GenerateTenantToken(tenant ident.TenantID) (string, error) {
	return k.sign(jwt.MapClaims{"scope": "tenant", "tenant_id": tenant.String()})
}

// GenerateSafekeeperToken mints a token the safekeeper API accepts for one
// tenant.
func (k AuthKeys) GenerateSafekeeperToken(tenant ident.TenantID) (string, error) {
	return k.sign(jwt.MapClaims{"scope": "safekeeperdata", "tenant_id": tenant.String()})
}

func (k AuthKeys) sign(claims jwt.MapClaims) (string, error) {
	pemData, err := os.ReadFile(k.PrivateKeyPath)
	if err != nil {
		return "", fmt.Errorf("read auth private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemData)
	if err != nil {
		return "", fmt.Errorf("parse auth private key: %w", err)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return token, nil
}
