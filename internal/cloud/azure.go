package cloud

import (
	"fmt"

	"github.com/farouk15160/edgeconnect/internal/bridge"
	"github.com/farouk15160/edgeconnect/internal/config"
	"github.com/farouk15160/edgeconnect/internal/mqtt"
	"github.com/farouk15160/edgeconnect/internal/service"
)

// azureAPIVersion is the IoT Hub MQTT API version sent in the username.
const azureAPIVersion = "2018-06-30"

// Azure is the IoT Hub profile. Connectivity is verified by reading the
// device twin: IoT Hub answers on a response topic carrying an HTTP-like
// status code.
type Azure struct {
	descriptor
}

// NewAzure returns the IoT Hub profile.
func NewAzure() *Azure {
	return &Azure{descriptor{
		name:        "az",
		displayName: "Azure",
		fileName:    "az-bridge.conf",
		tlsPort:     MQTTTLSPort,
		urlKey:      config.AzureURLKey,
		rootCertKey: config.AzureRootCertPathKey,
		exchange: mqtt.TopicStatus{
			Client:   "check_connection_az",
			Response: "az/twin/res/#",
			Request:  "az/twin/GET/?$rid=1",
			Marker:   "200",
		},
		mapper:    service.MapperAzure,
		mapperBin: "tedge_mapper",
	}}
}

func (a *Azure) BuildSpecification(settings config.Reader) (bridge.Specification, error) {
	ds, err := a.readDeviceSettings(settings)
	if err != nil {
		return bridge.Specification{}, err
	}

	topics := []string{
		fmt.Sprintf(`messages/events/ out 1 az/ devices/%s/`, ds.deviceID),
		fmt.Sprintf(`messages/devicebound/# in 1 az/ devices/%s/`, ds.deviceID),
		`twin/res/# in 1 az/ $iothub/`,
		`twin/GET/?$rid=1 out 1 az/ $iothub/`,
		`twin/PATCH/properties/reported/# out 1 az/ $iothub/`,
		`methods/POST/# in 1 az/ $iothub/`,
		`methods/res/# out 1 az/ $iothub/`,
	}

	return bridge.NewSpecification(bridge.Specification{
		CloudName:      a.name,
		ConfigFileName: a.fileName,
		ConnectURL:     ds.url,
		TLSPort:        a.tlsPort,
		RootCertPath:   ds.rootCert,
		RemoteClientID: ds.deviceID,
		RemoteUsername: fmt.Sprintf("%s/%s/?api-version=%s", ds.url, ds.deviceID, azureAPIVersion),
		LocalClientID:  a.displayName,
		ConnectionName: "edge_to_" + a.name,
		LocalCertPath:  ds.cert,
		LocalKeyPath:   ds.key,
		UseMapper:      true,
		UseAgent:       false,
	}, nil, topics), nil
}
