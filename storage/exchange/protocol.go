// Copyright 2023 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package exchange

// Replication protocol versions. The server answers with
// min(client_protocol_version, ProtocolVersionWithPartsProjection) and each
// frame past the cookie block is gated on the negotiated version.
const (
	ProtocolVersionWithPartsSize               = 1
	ProtocolVersionWithPartsSizeAndTTLInfos    = 2
	ProtocolVersionWithPartsType               = 3
	ProtocolVersionWithPartsDefaultCompression = 4
	ProtocolVersionWithPartsUUID               = 5
	ProtocolVersionWithPartsS3Copy             = 6
	ProtocolVersionWithPartsProjection         = 7
)

// Query types of the exchange endpoint.
const (
	QueryFetchPart  = "FetchPart"
	QueryFetchList  = "FetchList"
	QueryCheckExist = "checkExist"
)

// Cookie names used for version negotiation.
const (
	CookieServerProtocolVersion  = "server_protocol_version"
	CookieFetchPartIncrementally = "fetch_part_incrementally"
	CookieSendS3Metadata         = "send_s3_metadata"
)

// EndpointID names the interserver endpoint of one replica.
func EndpointID(nodeID string) string {
	return "DataPartsExchange:" + nodeID
}
