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

package remotestorage

import (
	"fmt"
	"os"
)

// Credentials holds AWS access credentials read from the environment.
type Credentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string // optional
}

// ReadCredentialsFromEnv reads AWS credentials from the standard variables.
// AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required,
// AWS_SESSION_TOKEN is optional.
func ReadCredentialsFromEnv() (Credentials, error) {
	creds := Credentials{
		AccessKey:    os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey:    os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken: os.Getenv("AWS_SESSION_TOKEN"),
	}
	if creds.AccessKey == "" {
		return creds, fmt.Errorf("AWS_ACCESS_KEY_ID is not set")
	}
	if creds.SecretKey == "" {
		return creds, fmt.Errorf("AWS_SECRET_ACCESS_KEY is not set")
	}
	return creds, nil
}
