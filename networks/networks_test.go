package networks

import (
	"math"
	"testing"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"pts2face/nn"
)

func TestGrayscale(t *testing.T) {
	t.Run("multi-channel input is averaged", func(t *testing.T) {
		g := gorgonia.NewGraph()
		x := nn.Input(g, "x", 2, 3, 2, 2)
		gray, err := Grayscale(x)
		if err != nil {
			t.Fatalf("Grayscale failed: %v", err)
		}
		if !gray.Shape().Eq(tensor.Shape{2, 1, 2, 2}) {
			t.Fatalf("Expected shape (2, 1, 2, 2), got %v", gray.Shape())
		}
		data := make([]float32, 24)
		for i := range data {
			data[i] = float32(i)
		}
		if err := gorgonia.Let(x, tensor.New(tensor.WithShape(2, 3, 2, 2), tensor.WithBacking(data))); err != nil {
			t.Fatalf("Let failed: %v", err)
		}
		vm := gorgonia.NewTapeMachine(g)
		defer vm.Close()
		if err := vm.RunAll(); err != nil {
			t.Fatalf("RunAll failed: %v", err)
		}
		got := gray.Value().Data().([]float32)
		for n := 0; n < 2; n++ {
			for p := 0; p < 4; p++ {
				var sum float32
				for c := 0; c < 3; c++ {
					sum += data[n*12+c*4+p]
				}
				want := sum / 3
				if math.Abs(float64(got[n*4+p]-want)) > 1e-5 {
					t.Errorf("Sample %d pixel %d: expected %f, got %f", n, p, want, got[n*4+p])
				}
			}
		}
	})

	t.Run("single-channel input is unchanged", func(t *testing.T) {
		g := gorgonia.NewGraph()
		x := nn.Input(g, "x", 1, 1, 4, 4)
		gray, err := Grayscale(x)
		if err != nil {
			t.Fatalf("Grayscale failed: %v", err)
		}
		if gray != x {
			t.Error("Expected the input node back for one channel")
		}
	})
}

func TestDefineG(t *testing.T) {
	tests := []struct {
		which   string
		wantErr bool
	}{
		{"unet_32", false},
		{"unet_64", false},
		{"resnet_6blocks", false},
		{"unet_16", true},
		{"unet_100", true},
		{"resnet_3blocks", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.which, func(t *testing.T) {
			net, err := DefineG(4, 3, 2, tt.which, nn.BatchNorm, true)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DefineG(%q): expected error %t, got %v", tt.which, tt.wantErr, err)
			}
			if err == nil && net.Params().Count() == 0 {
				t.Error("Expected generator parameters")
			}
		})
	}
}

func TestGeneratorOutputShape(t *testing.T) {
	for _, which := range []string{"unet_32", "resnet_6blocks"} {
		t.Run(which, func(t *testing.T) {
			net, err := DefineG(8, 3, 2, which, nn.InstanceNorm, true)
			if err != nil {
				t.Fatalf("DefineG failed: %v", err)
			}
			g := gorgonia.NewGraph()
			b := net.Params().Bind(g)
			out, err := net.Forward(b, nn.Input(g, "x", 2, 8, 32, 32))
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if !out.Shape().Eq(tensor.Shape{2, 3, 32, 32}) {
				t.Errorf("Expected (2, 3, 32, 32), got %v", out.Shape())
			}
		})
	}
}

func TestUnetDropoutSites(t *testing.T) {
	net, err := DefineG(4, 3, 2, "unet_128", nn.BatchNorm, true)
	if err != nil {
		t.Fatalf("DefineG failed: %v", err)
	}
	g := gorgonia.NewGraph()
	b := net.Params().Bind(g)
	if _, err := net.Forward(b, nn.Input(g, "x", 1, 4, 128, 128)); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	// 7 downsamplings: two extra 8*ngf blocks carry dropout.
	if got := len(b.Masks()); got != 2 {
		t.Errorf("Expected 2 dropout sites, got %d", got)
	}

	noDrop, _ := DefineG(4, 3, 2, "unet_128", nn.BatchNorm, false)
	g2 := gorgonia.NewGraph()
	b2 := noDrop.Params().Bind(g2)
	if _, err := noDrop.Forward(b2, nn.Input(g2, "x", 1, 4, 128, 128)); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if got := len(b2.Masks()); got != 0 {
		t.Errorf("Expected no dropout sites, got %d", got)
	}
}

func TestDefineD(t *testing.T) {
	d, err := DefineD(6, 4, "basic", 0, nn.BatchNorm, false)
	if err != nil {
		t.Fatalf("DefineD failed: %v", err)
	}
	g := gorgonia.NewGraph()
	out, err := d.Forward(d.Params().Bind(g), nn.Input(g, "x", 1, 6, 64, 64))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	side := d.OutSize(64)
	if !out.Shape().Eq(tensor.Shape{1, 1, side, side}) {
		t.Errorf("Expected (1, 1, %d, %d), got %v", side, side, out.Shape())
	}

	if _, err := DefineD(6, 4, "pixel", 3, nn.BatchNorm, false); err == nil {
		t.Error("Expected error for an unknown discriminator")
	}
}

func TestDefineF(t *testing.T) {
	f, err := DefineF("lightcnn_9", 10, 32)
	if err != nil {
		t.Fatalf("DefineF failed: %v", err)
	}
	g := gorgonia.NewGraph()
	b := f.Params().Bind(g)
	logits, feat, err := f.Forward(b, nn.Input(g, "x", 2, 1, 32, 32))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !feat.Shape().Eq(tensor.Shape{2, EmbeddingSize}) {
		t.Errorf("Expected embedding (2, %d), got %v", EmbeddingSize, feat.Shape())
	}
	if !logits.Shape().Eq(tensor.Shape{2, 10}) {
		t.Errorf("Expected logits (2, 10), got %v", logits.Shape())
	}
	if _, ok := f.Params().Get("F.features.0.filter.weight"); !ok {
		t.Error("Expected LightCNN parameter names")
	}

	if _, err := DefineF("lightcnn_9", 10, 30); err == nil {
		t.Error("Expected error for an image size not divisible by 16")
	}
	if _, err := DefineF("vgg", 10, 32); err == nil {
		t.Error("Expected error for an unknown extractor")
	}
}

func TestGANLossShapes(t *testing.T) {
	for _, lsgan := range []bool{true, false} {
		g := gorgonia.NewGraph()
		pred := nn.Input(g, "pred", 1, 1, 4, 4)
		loss, err := GANLoss{LSGAN: lsgan}.Loss(pred, true)
		if err != nil {
			t.Fatalf("Loss(lsgan=%t) failed: %v", lsgan, err)
		}
		if !loss.IsScalar() {
			t.Errorf("Expected a scalar loss, got shape %v", loss.Shape())
		}
	}
}
