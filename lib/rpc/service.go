package rpc

import (
	"context"

	"storj.io/drpc"
)

// Fully qualified method names of the classifier service.
const (
	RPCUploadImage  = "/classifier.ImageClassifier/UploadImage"
	RPCUploadImages = "/classifier.ImageClassifier/UploadImages"
	RPCGetModelInfo = "/classifier.ImageClassifier/GetModelInfo"
	RPCHealth       = "/classifier.ImageClassifier/Health"
)

// ClassifierServer is the server side of the classifier service.
type ClassifierServer interface {
	UploadImage(ctx context.Context, req *ClassifyRequest) (*ClassifyResponse, error)
	UploadImages(ctx context.Context, req *BatchRequest) (*BatchResponse, error)
	GetModelInfo(ctx context.Context, req *ModelInfoRequest) (*ModelInfoResponse, error)
	Health(ctx context.Context, req *HealthRequest) (*HealthResponse, error)
}

// classifierDescription describes ClassifierServer to a drpc mux.
type classifierDescription struct{}

func (classifierDescription) NumMethods() int { return 4 }

func (classifierDescription) Method(n int) (string, drpc.Encoding, drpc.Receiver, interface{}, bool) {
	switch n {
	case 0:
		return RPCUploadImage, encoding{},
			func(srv interface{}, ctx context.Context, in1, in2 interface{}) (drpc.Message, error) {
				return srv.(ClassifierServer).UploadImage(ctx, in1.(*ClassifyRequest))
			}, ClassifierServer.UploadImage, true
	case 1:
		return RPCUploadImages, encoding{},
			func(srv interface{}, ctx context.Context, in1, in2 interface{}) (drpc.Message, error) {
				return srv.(ClassifierServer).UploadImages(ctx, in1.(*BatchRequest))
			}, ClassifierServer.UploadImages, true
	case 2:
		return RPCGetModelInfo, encoding{},
			func(srv interface{}, ctx context.Context, in1, in2 interface{}) (drpc.Message, error) {
				return srv.(ClassifierServer).GetModelInfo(ctx, in1.(*ModelInfoRequest))
			}, ClassifierServer.GetModelInfo, true
	case 3:
		return RPCHealth, encoding{},
			func(srv interface{}, ctx context.Context, in1, in2 interface{}) (drpc.Message, error) {
				return srv.(ClassifierServer).Health(ctx, in1.(*HealthRequest))
			}, ClassifierServer.Health, true
	default:
		return "", nil, nil, nil, false
	}
}

// Register registers srv on mux.
func Register(mux drpc.Mux, srv ClassifierServer) error {
	return mux.Register(srv, classifierDescription{})
}
